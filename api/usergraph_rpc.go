package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/facetcal/facet/fault"
	"github.com/facetcal/facet/ident"
	"github.com/facetcal/facet/providers"
	"github.com/facetcal/facet/usergraph"
	"github.com/facetcal/facet/usergraph/store"
)

// userRoutes mounts the user graph actor RPC surface under /users/{userID}.
func (h *Handler) userRoutes(r chi.Router) {
	r.Post("/applyProviderDelta", h.ugApplyProviderDelta)
	r.Post("/findCanonicalByOrigin", h.ugFindCanonicalByOrigin)
	r.Post("/getCanonicalEvent", h.ugGetCanonicalEvent)
	r.Post("/listCanonicalEvents", h.ugListCanonicalEvents)
	r.Post("/getMirror", h.ugGetMirror)
	r.Post("/getActiveMirrors", h.ugGetActiveMirrors)
	r.Post("/updateMirrorState", h.ugUpdateMirrorState)
	r.Post("/recomputeProjections", h.ugRecomputeProjections)
	r.Post("/createPolicy", h.ugCreatePolicy)
	r.Post("/setPolicyEdges", h.ugSetPolicyEdges)
	r.Post("/ensureDefaultPolicy", h.ugEnsureDefaultPolicy)
	r.Post("/getPolicyEdges", h.ugGetPolicyEdges)
	r.Post("/addConstraint", h.ugAddConstraint)
	r.Post("/listConstraints", h.ugListConstraints)
	r.Post("/removeConstraint", h.ugRemoveConstraint)
	r.Post("/createVipPolicy", h.ugCreateVipPolicy)
	r.Post("/listVipPolicies", h.ugListVipPolicies)
	r.Post("/deleteVipPolicy", h.ugDeleteVipPolicy)
	r.Post("/recordSchedulingHistory", h.ugRecordSchedulingHistory)
	r.Post("/getSchedulingHistory", h.ugGetSchedulingHistory)
	r.Post("/createSession", h.ugCreateSession)
	r.Post("/getSession", h.ugGetSession)
	r.Post("/listSchedulingSessions", h.ugListSessions)
	r.Post("/commitCandidate", h.ugCommitCandidate)
	r.Post("/cancelSchedulingSession", h.ugCancelSession)
	r.Post("/getHoldsBySession", h.ugGetHoldsBySession)
	r.Post("/getExpiredHolds", h.ugGetExpiredHolds)
	r.Post("/updateHoldStatus", h.ugUpdateHoldStatus)
	r.Post("/computeAvailability", h.ugComputeAvailability)
	r.Post("/queryJournal", h.ugQueryJournal)
	r.Post("/getSyncHealth", h.ugGetSyncHealth)
	r.Post("/unlinkAccount", h.ugUnlinkAccount)
	r.Post("/logReconcileDiscrepancy", h.ugLogReconcileDiscrepancy)
}

func userID(req *http.Request) (ident.UserID, error) {
	id, err := ident.ParseUserID(chi.URLParam(req, "userID"))
	if err != nil {
		return "", fault.Validationf("user id: %v", err)
	}
	return id, nil
}

func (h *Handler) ugApplyProviderDelta(w http.ResponseWriter, req *http.Request) {
	uid, err := userID(req)
	if err != nil {
		respondErr(w, err)
		return
	}
	var in struct {
		OriginAccountID ident.AccountID   `json:"origin_account_id"`
		Deltas          []providers.Delta `json:"deltas"`
	}
	if err := decode(req, &in); err != nil {
		respondErr(w, err)
		return
	}
	res, err := h.graph.ApplyProviderDelta(req.Context(), uid, in.OriginAccountID, in.Deltas)
	if err != nil {
		respondErr(w, err)
		return
	}
	h.metrics.EventsIngested(req.Context(), int64(res.Created+res.Updated))
	respond(w, http.StatusOK, res)
}

func (h *Handler) ugFindCanonicalByOrigin(w http.ResponseWriter, req *http.Request) {
	uid, err := userID(req)
	if err != nil {
		respondErr(w, err)
		return
	}
	var in struct {
		OriginAccountID ident.AccountID `json:"origin_account_id"`
		OriginEventID   string          `json:"origin_event_id"`
	}
	if err := decode(req, &in); err != nil {
		respondErr(w, err)
		return
	}
	ev, found, err := h.graph.FindCanonicalByOrigin(req.Context(), uid, in.OriginAccountID, in.OriginEventID)
	if err != nil {
		respondErr(w, err)
		return
	}
	out := map[string]any{"found": found}
	if found {
		out["event"] = ev
	}
	respond(w, http.StatusOK, out)
}

func (h *Handler) ugGetCanonicalEvent(w http.ResponseWriter, req *http.Request) {
	uid, err := userID(req)
	if err != nil {
		respondErr(w, err)
		return
	}
	var in struct {
		CanonicalEventID ident.EventID `json:"canonical_event_id"`
	}
	if err := decode(req, &in); err != nil {
		respondErr(w, err)
		return
	}
	detail, err := h.graph.GetCanonicalEvent(req.Context(), uid, in.CanonicalEventID)
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, detail)
}

func (h *Handler) ugListCanonicalEvents(w http.ResponseWriter, req *http.Request) {
	uid, err := userID(req)
	if err != nil {
		respondErr(w, err)
		return
	}
	var in struct {
		TimeMin         int64           `json:"time_min,omitempty"`
		TimeMax         int64           `json:"time_max,omitempty"`
		OriginAccountID ident.AccountID `json:"origin_account_id,omitempty"`
		Limit           int             `json:"limit,omitempty"`
		Cursor          string          `json:"cursor,omitempty"`
	}
	if err := decode(req, &in); err != nil {
		respondErr(w, err)
		return
	}
	page, err := h.graph.ListCanonicalEvents(req.Context(), uid, store.EventQuery{
		TimeMin:         in.TimeMin,
		TimeMax:         in.TimeMax,
		OriginAccountID: in.OriginAccountID,
		Limit:           in.Limit,
		Cursor:          in.Cursor,
	})
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, page)
}

func (h *Handler) ugGetMirror(w http.ResponseWriter, req *http.Request) {
	uid, err := userID(req)
	if err != nil {
		respondErr(w, err)
		return
	}
	var in struct {
		CanonicalEventID ident.EventID   `json:"canonical_event_id"`
		TargetAccountID  ident.AccountID `json:"target_account_id"`
	}
	if err := decode(req, &in); err != nil {
		respondErr(w, err)
		return
	}
	m, err := h.graph.GetMirror(req.Context(), uid, in.CanonicalEventID, in.TargetAccountID)
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, m)
}

func (h *Handler) ugGetActiveMirrors(w http.ResponseWriter, req *http.Request) {
	uid, err := userID(req)
	if err != nil {
		respondErr(w, err)
		return
	}
	var in struct {
		TargetAccountID ident.AccountID `json:"target_account_id"`
	}
	if err := decode(req, &in); err != nil {
		respondErr(w, err)
		return
	}
	mirrors, err := h.graph.ActiveMirrors(req.Context(), uid, in.TargetAccountID)
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{"mirrors": mirrors})
}

func (h *Handler) ugUpdateMirrorState(w http.ResponseWriter, req *http.Request) {
	uid, err := userID(req)
	if err != nil {
		respondErr(w, err)
		return
	}
	var in struct {
		CanonicalEventID ident.EventID   `json:"canonical_event_id"`
		TargetAccountID  ident.AccountID `json:"target_account_id"`
		usergraph.MirrorStateUpdate
	}
	if err := decode(req, &in); err != nil {
		respondErr(w, err)
		return
	}
	if err := h.graph.UpdateMirrorState(req.Context(), uid, in.CanonicalEventID, in.TargetAccountID, in.MirrorStateUpdate); err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, nil)
}

func (h *Handler) ugRecomputeProjections(w http.ResponseWriter, req *http.Request) {
	uid, err := userID(req)
	if err != nil {
		respondErr(w, err)
		return
	}
	var in struct {
		CanonicalEventID ident.EventID `json:"canonical_event_id,omitempty"`
	}
	if err := decode(req, &in); err != nil {
		respondErr(w, err)
		return
	}
	enqueued, err := h.graph.RecomputeProjections(req.Context(), uid, in.CanonicalEventID)
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]int{"enqueued": enqueued})
}

func (h *Handler) ugCreatePolicy(w http.ResponseWriter, req *http.Request) {
	uid, err := userID(req)
	if err != nil {
		respondErr(w, err)
		return
	}
	var in struct {
		Name string `json:"name"`
	}
	if err := decode(req, &in); err != nil {
		respondErr(w, err)
		return
	}
	policy, err := h.graph.CreatePolicy(req.Context(), uid, in.Name)
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, policy)
}

func (h *Handler) ugSetPolicyEdges(w http.ResponseWriter, req *http.Request) {
	uid, err := userID(req)
	if err != nil {
		respondErr(w, err)
		return
	}
	var in struct {
		PolicyID ident.PolicyID     `json:"policy_id"`
		Edges    []store.PolicyEdge `json:"edges"`
	}
	if err := decode(req, &in); err != nil {
		respondErr(w, err)
		return
	}
	change, err := h.graph.SetPolicyEdges(req.Context(), uid, in.PolicyID, in.Edges)
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, change)
}

func (h *Handler) ugEnsureDefaultPolicy(w http.ResponseWriter, req *http.Request) {
	uid, err := userID(req)
	if err != nil {
		respondErr(w, err)
		return
	}
	var in struct {
		AccountIDs []ident.AccountID `json:"account_ids"`
	}
	if err := decode(req, &in); err != nil {
		respondErr(w, err)
		return
	}
	policy, change, err := h.graph.EnsureDefaultPolicy(req.Context(), uid, in.AccountIDs)
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{"policy": policy, "change": change})
}

func (h *Handler) ugGetPolicyEdges(w http.ResponseWriter, req *http.Request) {
	uid, err := userID(req)
	if err != nil {
		respondErr(w, err)
		return
	}
	var in struct {
		FromAccountID ident.AccountID `json:"from_account_id"`
	}
	if err := decode(req, &in); err != nil {
		respondErr(w, err)
		return
	}
	edges, err := h.graph.PolicyEdges(req.Context(), uid, in.FromAccountID)
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{"edges": edges})
}

func (h *Handler) ugAddConstraint(w http.ResponseWriter, req *http.Request) {
	uid, err := userID(req)
	if err != nil {
		respondErr(w, err)
		return
	}
	var in struct {
		Kind       string          `json:"kind"`
		Config     json.RawMessage `json:"config"`
		ActiveFrom int64           `json:"active_from,omitempty"`
		ActiveTo   int64           `json:"active_to,omitempty"`
	}
	if err := decode(req, &in); err != nil {
		respondErr(w, err)
		return
	}
	constraint, err := h.graph.AddConstraint(req.Context(), uid, in.Kind, in.Config, in.ActiveFrom, in.ActiveTo)
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, constraint)
}

func (h *Handler) ugListConstraints(w http.ResponseWriter, req *http.Request) {
	uid, err := userID(req)
	if err != nil {
		respondErr(w, err)
		return
	}
	var in struct {
		ActiveAt int64 `json:"active_at,omitempty"`
	}
	if err := decode(req, &in); err != nil {
		respondErr(w, err)
		return
	}
	constraints, err := h.graph.ListConstraints(req.Context(), uid, in.ActiveAt)
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{"constraints": constraints})
}

func (h *Handler) ugRemoveConstraint(w http.ResponseWriter, req *http.Request) {
	uid, err := userID(req)
	if err != nil {
		respondErr(w, err)
		return
	}
	var in struct {
		ConstraintID ident.ConstraintID `json:"constraint_id"`
	}
	if err := decode(req, &in); err != nil {
		respondErr(w, err)
		return
	}
	if err := h.graph.RemoveConstraint(req.Context(), uid, in.ConstraintID); err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, nil)
}

func (h *Handler) ugCreateVipPolicy(w http.ResponseWriter, req *http.Request) {
	uid, err := userID(req)
	if err != nil {
		respondErr(w, err)
		return
	}
	var in usergraph.VipParams
	if err := decode(req, &in); err != nil {
		respondErr(w, err)
		return
	}
	vip, err := h.graph.CreateVipPolicy(req.Context(), uid, in)
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, vip)
}

func (h *Handler) ugListVipPolicies(w http.ResponseWriter, req *http.Request) {
	uid, err := userID(req)
	if err != nil {
		respondErr(w, err)
		return
	}
	vips, err := h.graph.ListVipPolicies(req.Context(), uid)
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{"vip_policies": vips})
}

func (h *Handler) ugDeleteVipPolicy(w http.ResponseWriter, req *http.Request) {
	uid, err := userID(req)
	if err != nil {
		respondErr(w, err)
		return
	}
	var in struct {
		VipID ident.VipID `json:"vip_id"`
	}
	if err := decode(req, &in); err != nil {
		respondErr(w, err)
		return
	}
	if err := h.graph.DeleteVipPolicy(req.Context(), uid, in.VipID); err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, nil)
}

func (h *Handler) ugRecordSchedulingHistory(w http.ResponseWriter, req *http.Request) {
	uid, err := userID(req)
	if err != nil {
		respondErr(w, err)
		return
	}
	var in struct {
		Entries []store.HistoryEntry `json:"entries"`
	}
	if err := decode(req, &in); err != nil {
		respondErr(w, err)
		return
	}
	if err := h.graph.RecordSchedulingHistory(req.Context(), uid, in.Entries); err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, nil)
}

func (h *Handler) ugGetSchedulingHistory(w http.ResponseWriter, req *http.Request) {
	uid, err := userID(req)
	if err != nil {
		respondErr(w, err)
		return
	}
	var in struct {
		ParticipantHashes []string `json:"participant_hashes"`
	}
	if err := decode(req, &in); err != nil {
		respondErr(w, err)
		return
	}
	aggregates, err := h.graph.SchedulingHistory(req.Context(), uid, in.ParticipantHashes)
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{"aggregates": aggregates})
}

func (h *Handler) ugCreateSession(w http.ResponseWriter, req *http.Request) {
	uid, err := userID(req)
	if err != nil {
		respondErr(w, err)
		return
	}
	var in usergraph.SessionParams
	if err := decode(req, &in); err != nil {
		respondErr(w, err)
		return
	}
	started := h.now()
	res, err := h.graph.CreateSession(req.Context(), uid, in)
	if err != nil {
		respondErr(w, err)
		return
	}
	h.metrics.SolveDuration(req.Context(), h.now().Sub(started), "session")
	respond(w, http.StatusOK, res)
}

func (h *Handler) ugGetSession(w http.ResponseWriter, req *http.Request) {
	uid, err := userID(req)
	if err != nil {
		respondErr(w, err)
		return
	}
	var in struct {
		SessionID ident.SessionID `json:"session_id"`
	}
	if err := decode(req, &in); err != nil {
		respondErr(w, err)
		return
	}
	res, err := h.graph.GetSession(req.Context(), uid, in.SessionID)
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, res)
}

func (h *Handler) ugListSessions(w http.ResponseWriter, req *http.Request) {
	uid, err := userID(req)
	if err != nil {
		respondErr(w, err)
		return
	}
	var in struct {
		Status string `json:"status,omitempty"`
		Limit  int    `json:"limit,omitempty"`
	}
	if err := decode(req, &in); err != nil {
		respondErr(w, err)
		return
	}
	sessions, err := h.graph.ListSessions(req.Context(), uid, store.SessionQuery{Status: in.Status, Limit: in.Limit})
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (h *Handler) ugCommitCandidate(w http.ResponseWriter, req *http.Request) {
	uid, err := userID(req)
	if err != nil {
		respondErr(w, err)
		return
	}
	var in struct {
		SessionID   ident.SessionID   `json:"session_id"`
		CandidateID ident.CandidateID `json:"candidate_id"`
	}
	if err := decode(req, &in); err != nil {
		respondErr(w, err)
		return
	}
	res, err := h.graph.CommitCandidate(req.Context(), uid, in.SessionID, in.CandidateID)
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, res)
}

func (h *Handler) ugCancelSession(w http.ResponseWriter, req *http.Request) {
	uid, err := userID(req)
	if err != nil {
		respondErr(w, err)
		return
	}
	var in struct {
		SessionID ident.SessionID `json:"session_id"`
	}
	if err := decode(req, &in); err != nil {
		respondErr(w, err)
		return
	}
	session, err := h.graph.CancelSession(req.Context(), uid, in.SessionID)
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, session)
}

func (h *Handler) ugGetHoldsBySession(w http.ResponseWriter, req *http.Request) {
	uid, err := userID(req)
	if err != nil {
		respondErr(w, err)
		return
	}
	var in struct {
		SessionID ident.SessionID `json:"session_id"`
	}
	if err := decode(req, &in); err != nil {
		respondErr(w, err)
		return
	}
	holds, err := h.graph.HoldsBySession(req.Context(), uid, in.SessionID)
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{"holds": holds})
}

func (h *Handler) ugGetExpiredHolds(w http.ResponseWriter, req *http.Request) {
	holds, err := h.graph.ExpiredHolds(req.Context())
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{"holds": holds})
}

func (h *Handler) ugUpdateHoldStatus(w http.ResponseWriter, req *http.Request) {
	uid, err := userID(req)
	if err != nil {
		respondErr(w, err)
		return
	}
	var in struct {
		SessionID       ident.SessionID `json:"session_id"`
		HoldID          ident.HoldID    `json:"hold_id"`
		Status          string          `json:"status"`
		ProviderEventID string          `json:"provider_event_id,omitempty"`
	}
	if err := decode(req, &in); err != nil {
		respondErr(w, err)
		return
	}
	hold, err := h.graph.UpdateHoldStatus(req.Context(), uid, in.SessionID, in.HoldID, in.Status, in.ProviderEventID)
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, hold)
}

func (h *Handler) ugComputeAvailability(w http.ResponseWriter, req *http.Request) {
	uid, err := userID(req)
	if err != nil {
		respondErr(w, err)
		return
	}
	var in struct {
		Start      int64             `json:"start"`
		End        int64             `json:"end"`
		AccountIDs []ident.AccountID `json:"account_ids,omitempty"`
	}
	if err := decode(req, &in); err != nil {
		respondErr(w, err)
		return
	}
	availability, err := h.graph.ComputeAvailability(req.Context(), uid, in.Start, in.End, in.AccountIDs)
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, availability)
}

func (h *Handler) ugQueryJournal(w http.ResponseWriter, req *http.Request) {
	uid, err := userID(req)
	if err != nil {
		respondErr(w, err)
		return
	}
	var in struct {
		CanonicalEventID ident.EventID `json:"canonical_event_id,omitempty"`
		Limit            int           `json:"limit,omitempty"`
		Cursor           string        `json:"cursor,omitempty"`
	}
	if err := decode(req, &in); err != nil {
		respondErr(w, err)
		return
	}
	page, err := h.graph.QueryJournal(req.Context(), uid, store.JournalQuery{
		CanonicalEventID: in.CanonicalEventID,
		Limit:            in.Limit,
		Cursor:           in.Cursor,
	})
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, page)
}

func (h *Handler) ugGetSyncHealth(w http.ResponseWriter, req *http.Request) {
	uid, err := userID(req)
	if err != nil {
		respondErr(w, err)
		return
	}
	health, err := h.graph.GetSyncHealth(req.Context(), uid)
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, health)
}

func (h *Handler) ugUnlinkAccount(w http.ResponseWriter, req *http.Request) {
	uid, err := userID(req)
	if err != nil {
		respondErr(w, err)
		return
	}
	var in struct {
		AccountID ident.AccountID `json:"account_id"`
	}
	if err := decode(req, &in); err != nil {
		respondErr(w, err)
		return
	}
	// Stop provider callbacks and revoke the grant before cascading local
	// state; provider-side failures are logged inside the account service and
	// must not keep the unlink from completing.
	if _, err := h.accounts.StopWatchChannels(req.Context(), in.AccountID); err != nil {
		respondErr(w, err)
		return
	}
	if _, err := h.accounts.RevokeTokens(req.Context(), in.AccountID); err != nil {
		respondErr(w, err)
		return
	}
	res, err := h.graph.UnlinkAccount(req.Context(), uid, in.AccountID)
	if err != nil {
		respondErr(w, err)
		return
	}
	if err := h.registry.Unregister(req.Context(), in.AccountID); err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, res)
}

func (h *Handler) ugLogReconcileDiscrepancy(w http.ResponseWriter, req *http.Request) {
	uid, err := userID(req)
	if err != nil {
		respondErr(w, err)
		return
	}
	var in struct {
		CanonicalEventID ident.EventID   `json:"canonical_event_id,omitempty"`
		Kind             string          `json:"kind"`
		Details          json.RawMessage `json:"details,omitempty"`
	}
	if err := decode(req, &in); err != nil {
		respondErr(w, err)
		return
	}
	if err := h.graph.LogReconcileDiscrepancy(req.Context(), uid, in.CanonicalEventID, in.Kind, in.Details); err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, nil)
}
