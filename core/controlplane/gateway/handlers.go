package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"

	"github.com/packgrant/packgrant/core/infra/logging"
	"github.com/packgrant/packgrant/core/packs"
)

var errBadRequest = errors.New("bad request")

type identityRequest struct {
	PlayerID string `json:"player_id"`
	Address  string `json:"address"`
}

type resolveRequest struct {
	identityRequest
	Context string   `json:"context,omitempty"`
	Assets  []string `json:"assets,omitempty"`
	// Applied lists the packs the client already has; only missing ones
	// are resolved when it is present.
	Applied []string `json:"applied,omitempty"`
	Reverse bool     `json:"reverse,omitempty"`
}

type resultView struct {
	Asset       string             `json:"asset"`
	AssetID     string             `json:"asset_id,omitempty"`
	Status      packs.Status       `json:"status"`
	DownloadURI string             `json:"download_uri,omitempty"`
	Hash        string             `json:"hash,omitempty"`
	Reason      packs.RejectReason `json:"reason,omitempty"`
	Error       string             `json:"error,omitempty"`
	ErrorKind   string             `json:"error_kind,omitempty"`
}

type changesView struct {
	Kind   packs.ChangeKind `json:"kind"`
	Add    []string         `json:"add,omitempty"`
	Remove []string         `json:"remove,omitempty"`
}

type resolveResponse struct {
	Context string       `json:"context,omitempty"`
	Prompt  string       `json:"prompt,omitempty"`
	Force   bool         `json:"force,omitempty"`
	Changes *changesView `json:"changes,omitempty"`
	Results []resultView `json:"results"`
}

type outcomeRequest struct {
	identityRequest
	Asset   string `json:"asset"`
	Outcome string `json:"outcome"`
}

type packView struct {
	Name    string `json:"name"`
	AssetID string `json:"asset_id"`
	Key     string `json:"key"`
	Store   string `json:"store"`
	Version string `json:"version,omitempty"`
	Hash    string `json:"hash,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if s.resolver.Closed() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	if s.resolver.Closed() {
		writeError(w, http.StatusServiceUnavailable, packs.ErrShutdown.Error())
		return
	}
	var req resolveRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := normalizeIdentity(req.identityRequest)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var target packs.ContextPacks
	if len(req.Assets) > 0 {
		assets, err := s.catalog.Resolve(req.Assets)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		target = packs.ContextPacks{Context: req.Context, Assets: assets}
	} else {
		target, err = s.catalog.LookupAssetsForContext(r.Context(), req.Context)
		if err != nil {
			writeEngineError(w, err)
			return
		}
	}

	resp := resolveResponse{Context: target.Context, Prompt: target.Prompt, Force: target.Force}
	toResolve := target.Assets
	if req.Applied != nil {
		plan := packs.PlanChanges(target.Assets, s.appliedAssets(req.Applied))
		resp.Changes = viewChanges(plan)
		toResolve = plan.ToAdd
	}

	results := s.resolver.ResolveAll(r.Context(), id, toResolve)
	resp.Results = make([]resultView, 0, len(results))
	for _, res := range results {
		resp.Results = append(resp.Results, viewResult(res))
	}
	if req.Reverse {
		slices.Reverse(resp.Results)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleOutcome(w http.ResponseWriter, r *http.Request) {
	var req outcomeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := normalizeIdentity(req.identityRequest)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Asset) == "" {
		writeError(w, http.StatusBadRequest, "asset required")
		return
	}
	outcome, err := packs.ParseOutcome(req.Outcome)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rec, err := s.resolver.ReportOutcome(r.Context(), id, req.Asset, outcome)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"asset":         req.Asset,
		"outcome":       outcome,
		"outstanding":   rec.Outstanding,
		"failure_count": rec.FailureCount,
	})
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	var req identityRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := normalizeIdentity(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	n, err := s.resolver.Flush(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"flushed": n})
}

func (s *Server) handleListPacks(w http.ResponseWriter, _ *http.Request) {
	assets := s.catalog.Assets()
	out := make([]packView, 0, len(assets))
	for _, a := range assets {
		v := packView{
			Name:    a.Name,
			AssetID: a.ID().String(),
			Key:     a.Key,
			Store:   a.Store,
			Version: a.Version,
		}
		if rec, ok := s.resolver.Hashes().Cached(a.Name); ok && rec.Matches(a) {
			v.Hash = rec.Hash.String()
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, map[string]any{"packs": out})
}

func (s *Server) handleInvalidatePack(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	asset, ok := s.catalog.Asset(name)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("pack %q: %s", name, packs.ErrUnknownAsset))
		return
	}
	s.resolver.Hashes().Invalidate(asset.Name)
	if s.onInvalidate != nil {
		s.onInvalidate(asset)
	}
	logging.Info("gateway", "pack invalidated", "pack", asset.Name)
	writeJSON(w, http.StatusOK, map[string]string{"invalidated": asset.Name})
}

func (s *Server) handleReloadCatalog(w http.ResponseWriter, _ *http.Request) {
	changed, err := s.catalog.Reload()
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if changed == nil {
		changed = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"changed": changed})
}

// appliedAssets maps applied pack names to descriptors. Names the catalog no
// longer knows still take part in the plan so they get removed.
func (s *Server) appliedAssets(names []string) []packs.Asset {
	out := make([]packs.Asset, 0, len(names))
	for _, name := range names {
		if a, ok := s.catalog.Asset(name); ok {
			out = append(out, a)
			continue
		}
		out = append(out, packs.Asset{Name: name})
	}
	return out
}

func viewChanges(c packs.Changes) *changesView {
	v := &changesView{Kind: c.Kind}
	for _, a := range c.ToAdd {
		v.Add = append(v.Add, a.Name)
	}
	for _, a := range c.ToRemove {
		v.Remove = append(v.Remove, a.Name)
	}
	return v
}

func viewResult(res packs.Result) resultView {
	v := resultView{Asset: res.Asset, Status: res.Status, Reason: res.Reason}
	if res.Grant != nil {
		v.AssetID = res.Grant.AssetID.String()
		v.DownloadURI = res.Grant.DownloadURI
		v.Hash = res.Grant.Hash.String()
	}
	if res.Err != nil {
		v.Error = res.Err.Error()
		v.ErrorKind = packs.FailureKind(res.Err)
	}
	return v
}

func normalizeIdentity(req identityRequest) (packs.Identity, error) {
	id, err := packs.NormalizeIdentity(req.PlayerID, req.Address)
	if err != nil {
		return packs.Identity{}, fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return id, nil
}

func writeEngineError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, packs.ErrUnknownAsset):
		status = http.StatusNotFound
	case errors.Is(err, packs.ErrMalformedDescriptor):
		status = http.StatusBadRequest
	case errors.Is(err, packs.ErrShutdown), errors.Is(err, packs.ErrStorageFault):
		status = http.StatusServiceUnavailable
	}
	if status >= http.StatusInternalServerError {
		logging.Error("gateway", "request failed", "status", status, "error", err)
	}
	writeError(w, status, err.Error())
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: empty body", errBadRequest)
		}
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
