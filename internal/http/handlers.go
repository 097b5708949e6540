package http

import (
	"net/http"

	"fintrack/internal/core"
	"fintrack/internal/log"
	"fintrack/internal/middleware/account"
	"fintrack/internal/services"
)

// callerFrom returns the resolved caller. The account middleware guarantees
// it on /api routes.
func callerFrom(r *http.Request) core.Caller {
	c, _ := account.CallerFrom(r.Context())
	return c
}

func (s *Server) handleCreateTransaction(w http.ResponseWriter, r *http.Request) {
	var in services.NewTransaction
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, r, err)
		return
	}

	caller := callerFrom(r)
	created, err := s.ledger.Create(r.Context(), caller, in)
	if err != nil {
		writeError(w, r, err)
		return
	}

	NewJSONResponse().
		Status(http.StatusCreated).
		Header("Location", "/api/transactions/"+created[0].ID).
		Body(transactionList{Transactions: newTransactionViews(caller, created), Count: len(created)}).
		Write(w)
}

func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	filter, err := ParseListFilter(r.URL.Query())
	if err != nil {
		writeError(w, r, err)
		return
	}

	caller := callerFrom(r)
	txs, err := s.ledger.List(r.Context(), caller, filter)
	if err != nil {
		writeError(w, r, err)
		return
	}

	NewJSONResponse().
		Body(transactionList{Transactions: newTransactionViews(caller, txs), Count: len(txs)}).
		Write(w)
}

func (s *Server) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	caller := callerFrom(r)
	tx, err := s.ledger.Get(r.Context(), caller, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	NewJSONResponse().Body(newTransactionView(caller, tx)).Write(w)
}

func (s *Server) handleUpdateTransaction(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var patch services.Patch
	if err := decodeJSON(w, r, &patch); err != nil {
		writeError(w, r, err)
		return
	}

	caller := callerFrom(r)
	tx, err := s.ledger.Update(r.Context(), caller, id, patch)
	if err != nil {
		writeError(w, r, err)
		return
	}

	NewJSONResponse().Body(newTransactionView(caller, tx)).Write(w)
}

func (s *Server) handleDeleteTransaction(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	if err := s.ledger.Delete(r.Context(), callerFrom(r), id); err != nil {
		writeError(w, r, err)
		return
	}

	NewJSONResponse().Status(http.StatusNoContent).Write(w)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	year, err := parseYear(r.URL.Query())
	if err != nil {
		writeError(w, r, err)
		return
	}

	summary, err := s.ledger.Summary(r.Context(), callerFrom(r), year)
	if err != nil {
		writeError(w, r, err)
		return
	}
	NewJSONResponse().Body(summary).Write(w)
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	NewJSONResponse().Body(map[string]string{"status": "ok"}).Write(w)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			log.FromContext(r.Context()).WarnContext(r.Context(), "Readiness check failed", log.FieldError, err)
			ErrorResponse(http.StatusServiceUnavailable, CodeUnavailable, "storage unavailable").Write(w)
			return
		}
	}
	NewJSONResponse().Body(map[string]string{"status": "ready"}).Write(w)
}
