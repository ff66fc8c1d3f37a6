// Package bus carries outcome reports, disconnect notices and engine events
// over NATS as JSON.
package bus

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/packgrant/packgrant/core/infra/logging"
)

const (
	// SubjectOutcome carries host outcome reports to the engine.
	SubjectOutcome = "packgrant.outcome"
	// SubjectDisconnect carries identity disconnects to the engine.
	SubjectDisconnect = "packgrant.disconnect"
	// SubjectEvents carries engine decisions to listeners.
	SubjectEvents = "packgrant.events"
)

const (
	envUseJetStream    = "NATS_USE_JETSTREAM"
	envJSAckWait       = "NATS_JS_ACK_WAIT"
	envJSMaxAge        = "NATS_JS_MAX_AGE"
	envNATSTLSCA       = "NATS_TLS_CA"
	envNATSTLSCert     = "NATS_TLS_CERT"
	envNATSTLSKey      = "NATS_TLS_KEY"
	envNATSTLSInsecure = "NATS_TLS_INSECURE"

	defaultAckWait = 30 * time.Second
	defaultMaxAge  = 24 * time.Hour

	streamReports = "PACKGRANT_REPORTS"
)

var (
	errNilBus     = errors.New("nats bus not initialized")
	errNilMessage = errors.New("nil message")
	errEmptyTopic = errors.New("empty subject")
)

// conn is the part of *nats.Conn the bus uses.
type conn interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error)
	QueueSubscribe(subject, queue string, cb nats.MsgHandler) (*nats.Subscription, error)
	IsConnected() bool
	Status() nats.Status
	ConnectedUrl() string
	Close()
}

// NatsBus is a thin wrapper over a NATS connection that speaks JSON.
type NatsBus struct {
	nc        conn
	js        nats.JetStreamContext
	jsEnabled bool
	ackWait   time.Duration
}

// NewNatsBus dials NATS at the provided URL.
func NewNatsBus(url string) (*NatsBus, error) {
	opts := []nats.Option{
		nats.Name("packgrant"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logging.Warn("bus", "disconnected from nats", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logging.Info("bus", "reconnected to nats", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			logging.Info("bus", "connection closed")
		}),
	}
	tlsCfg, err := natsTLSConfigFromEnv()
	if err != nil {
		return nil, err
	}
	if tlsCfg != nil {
		opts = append(opts, nats.Secure(tlsCfg))
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	b := &NatsBus{nc: nc, ackWait: defaultAckWait}
	b.initJetStreamFromEnv(nc)
	return b, nil
}

// Close shuts down the underlying NATS connection.
func (b *NatsBus) Close() {
	if b != nil && b.nc != nil {
		b.nc.Close()
	}
}

// Publish sends v as JSON on subject. Reports on durable subjects go through
// JetStream when it is enabled, deduplicated by msgID.
func (b *NatsBus) Publish(subject string, v any) error {
	return b.publish(subject, "", v)
}

// PublishDurable is Publish with an explicit dedupe id.
func (b *NatsBus) PublishDurable(subject, msgID string, v any) error {
	return b.publish(subject, msgID, v)
}

func (b *NatsBus) publish(subject, msgID string, v any) error {
	if b == nil || b.nc == nil {
		return errNilBus
	}
	if subject == "" {
		return errEmptyTopic
	}
	if v == nil {
		return errNilMessage
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", subject, err)
	}
	if b.jsEnabled && isDurableSubject(subject) {
		if msgID = strings.TrimSpace(msgID); msgID != "" {
			_, err = b.js.Publish(subject, data, nats.MsgId(subject+":"+msgID))
		} else {
			_, err = b.js.Publish(subject, data)
		}
		return err
	}
	return b.nc.Publish(subject, data)
}

// Subscribe attaches handler to subject. With JetStream enabled, durable
// subjects are consumed with explicit ack; a RetryableError naks the message.
func (b *NatsBus) Subscribe(subject, queue string, handler func(data []byte) error) error {
	if b == nil || b.nc == nil {
		return errNilBus
	}
	if subject == "" {
		return errEmptyTopic
	}
	if handler == nil {
		return errors.New("nil handler")
	}
	if b.jsEnabled && isDurableSubject(subject) {
		cb := func(msg *nats.Msg) {
			err := handler(msg.Data)
			switch action, delay := settle(err); action {
			case ackNakDelay:
				_ = msg.NakWithDelay(delay)
			case ackNak:
				_ = msg.Nak()
			default:
				if err != nil {
					logging.Error("bus", "handler error", "subject", subject, "error", err)
				}
				_ = msg.Ack()
			}
		}
		opts := []nats.SubOpt{
			nats.ManualAck(),
			nats.AckExplicit(),
			nats.AckWait(b.ackWait),
			nats.MaxAckPending(1024),
		}
		if durable := durableName(subject, queue); durable != "" {
			opts = append(opts, nats.Durable(durable))
		}
		var err error
		if queue == "" {
			_, err = b.js.Subscribe(subject, cb, opts...)
		} else {
			_, err = b.js.QueueSubscribe(subject, queue, cb, opts...)
		}
		return err
	}

	cb := func(msg *nats.Msg) {
		if err := handler(msg.Data); err != nil {
			logging.Error("bus", "handler error", "subject", subject, "error", err)
		}
	}
	if queue == "" {
		_, err := b.nc.Subscribe(subject, cb)
		return err
	}
	_, err := b.nc.QueueSubscribe(subject, queue, cb)
	return err
}

func (b *NatsBus) IsConnected() bool {
	return b != nil && b.nc != nil && b.nc.IsConnected()
}

func (b *NatsBus) Status() string {
	if b == nil || b.nc == nil {
		return "UNKNOWN"
	}
	return b.nc.Status().String()
}

func (b *NatsBus) ConnectedURL() string {
	if b == nil || b.nc == nil {
		return ""
	}
	return b.nc.ConnectedUrl()
}

func initJetStreamEnabled() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(envUseJetStream))) {
	case "1", "true", "yes", "y", "on":
		return true
	default:
		return false
	}
}

func (b *NatsBus) initJetStreamFromEnv(nc *nats.Conn) {
	if nc == nil || !initJetStreamEnabled() {
		return
	}
	ackWait := envDuration(envJSAckWait, defaultAckWait)
	maxAge := envDuration(envJSMaxAge, defaultMaxAge)

	js, err := nc.JetStream()
	if err != nil {
		logging.Warn("bus", "jetstream init failed", "error", err)
		return
	}
	if _, err := js.AccountInfo(); err != nil {
		logging.Warn("bus", "jetstream not available", "error", err)
		return
	}
	subjects := []string{SubjectOutcome, SubjectDisconnect}
	_, err = js.AddStream(&nats.StreamConfig{
		Name:       streamReports,
		Subjects:   subjects,
		Retention:  nats.LimitsPolicy,
		Storage:    nats.FileStorage,
		MaxAge:     maxAge,
		Duplicates: 2 * time.Minute,
	})
	if err != nil {
		if _, infoErr := js.StreamInfo(streamReports); infoErr != nil {
			logging.Warn("bus", "jetstream ensure stream failed", "stream", streamReports, "error", err)
			return
		}
	}
	b.js = js
	b.jsEnabled = true
	b.ackWait = ackWait
	logging.Info("bus", "jetstream enabled", "ack_wait", ackWait, "max_age", maxAge)
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return def
}

// isDurableSubject reports the host-to-engine subjects. Engine events are
// fire and forget.
func isDurableSubject(subject string) bool {
	return subject == SubjectOutcome || subject == SubjectDisconnect
}

func durableName(subject, queue string) string {
	name := sanitizeDurable(subject)
	if name == "" {
		return ""
	}
	if q := sanitizeDurable(queue); q != "" {
		return "dur_" + q + "__" + name
	}
	return "dur_" + name
}

func sanitizeDurable(s string) string {
	s = strings.ReplaceAll(s, ".", "_")
	s = strings.ReplaceAll(s, "*", "STAR")
	s = strings.ReplaceAll(s, ">", "GT")
	return strings.TrimSpace(s)
}

func natsTLSConfigFromEnv() (*tls.Config, error) {
	caPath := strings.TrimSpace(os.Getenv(envNATSTLSCA))
	certPath := strings.TrimSpace(os.Getenv(envNATSTLSCert))
	keyPath := strings.TrimSpace(os.Getenv(envNATSTLSKey))
	insecure := strings.EqualFold(strings.TrimSpace(os.Getenv(envNATSTLSInsecure)), "true")
	if caPath == "" && certPath == "" && keyPath == "" && !insecure {
		return nil, nil
	}
	// #nosec G402 -- insecure mode is an explicit operator opt-in.
	cfg := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: insecure}
	if caPath != "" {
		// #nosec G304 -- path comes from operator env.
		pem, err := os.ReadFile(caPath)
		if err != nil {
			return nil, fmt.Errorf("read nats ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("nats ca %s: no certificates", caPath)
		}
		cfg.RootCAs = pool
	}
	if certPath != "" || keyPath != "" {
		if certPath == "" || keyPath == "" {
			return nil, errors.New("nats tls cert and key must be set together")
		}
		cert, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			return nil, fmt.Errorf("load nats client cert: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}
