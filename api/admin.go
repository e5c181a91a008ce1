package api

import (
	"errors"
	"net/http"

	"github.com/facetcal/facet/queue"
	"github.com/facetcal/facet/reconcile"
)

// adminReconcile triggers an immediate reconcile pass for one account and
// returns the discrepancy report.
func (h *Handler) adminReconcile(w http.ResponseWriter, req *http.Request) {
	if h.reconciler == nil {
		respondErr(w, errors.New("reconcile worker is not configured"))
		return
	}
	id, err := accountID(req)
	if err != nil {
		respondErr(w, err)
		return
	}
	report, err := h.reconciler.ReconcileAccount(req.Context(), id, reconcile.ReasonManual)
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, report)
}

// adminSync enqueues a manual full sync for one account.
func (h *Handler) adminSync(w http.ResponseWriter, req *http.Request) {
	id, err := accountID(req)
	if err != nil {
		respondErr(w, err)
		return
	}
	if err := h.syncQueue.Publish(req.Context(), queue.SyncFull{AccountID: id, Reason: queue.ReasonManual}); err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusAccepted, map[string]string{"account_id": id.String(), "reason": queue.ReasonManual})
}
