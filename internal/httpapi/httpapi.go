// Package httpapi implements the REST surface over github.com/go-chi/chi/v5:
// CRUD and bulk operations across the full session/host/approval resource
// set, with role-based middleware calling into internal/authn.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/agentcommander/controlplane/internal/approval"
	"github.com/agentcommander/controlplane/internal/authn"
	"github.com/agentcommander/controlplane/internal/cperr"
	"github.com/agentcommander/controlplane/internal/dispatch"
	"github.com/agentcommander/controlplane/internal/logging"
	"github.com/agentcommander/controlplane/internal/model"
	"github.com/agentcommander/controlplane/internal/store"
	"github.com/agentcommander/controlplane/internal/wire"
)

type principalKey struct{}

// API wires the REST surface to the store, dispatcher, and approval manager.
type API struct {
	store      *store.Store
	dispatcher *dispatch.Dispatcher
	approvals  *approval.Manager
	resolve    authn.Resolver
}

// New constructs an API. resolve is the authentication seam; see
// internal/authn for the bundled implementation.
func New(st *store.Store, d *dispatch.Dispatcher, am *approval.Manager, resolve authn.Resolver) *API {
	return &API{store: st, dispatcher: d, approvals: am, resolve: resolve}
}

// Router builds the chi router for the /v1 REST surface.
func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(a.authenticate)

	r.Route("/v1", func(r chi.Router) {
		r.Route("/sessions", func(r chi.Router) {
			r.With(a.requireRole(authn.RoleObserver)).Get("/", a.listSessions)
			r.With(a.requireRole(authn.RoleOperator)).Post("/spawn", a.spawnSession)
			r.With(a.requireRole(authn.RoleOperator)).Post("/bulk", a.bulkSessions)

			r.Route("/{sessionID}", func(r chi.Router) {
				r.With(a.requireRole(authn.RoleObserver)).Get("/", a.getSession)
				r.With(a.requireRole(authn.RoleObserver)).Get("/events", a.getSessionEvents)
				r.With(a.requireRole(authn.RoleOperator)).Patch("/", a.patchSession)
				r.With(a.requireRole(authn.RoleOperator)).Delete("/", a.deleteSession)
				r.With(a.requireRole(authn.RoleOperator)).Post("/commands", a.postSessionCommand)
				r.With(a.requireRole(authn.RoleOperator)).Post("/copy-to", a.postSessionCopyTo)
				r.With(a.requireRole(authn.RoleOperator)).Post("/fork", a.postSessionFork)
			})
		})

		r.Route("/hosts", func(r chi.Router) {
			r.With(a.requireRole(authn.RoleObserver)).Get("/", a.listHosts)
			r.With(a.requireRole(authn.RoleAdmin)).Post("/", a.createHost)

			r.Route("/{hostID}", func(r chi.Router) {
				r.With(a.requireRole(authn.RoleAdmin)).Post("/token", a.issueHostToken)
				r.With(a.requireRole(authn.RoleOperator)).Get("/orphan-panes", a.getOrphanPanes)
				r.With(a.requireRole(authn.RoleOperator)).Post("/adopt-panes", a.postAdoptPanes)
				r.With(a.requireRole(authn.RoleOperator)).Get("/directories", a.getDirectories)
			})
		})

		r.Route("/approvals", func(r chi.Router) {
			r.With(a.requireRole(authn.RoleObserver)).Get("/", a.listApprovals)
			r.With(a.requireRole(authn.RoleOperator)).Post("/{approvalID}/decide", a.decideApproval)
		})
	})
	return r
}

// authenticate resolves the caller's Principal and stores it on the request
// context. It rejects only a request whose caller cannot be resolved
// (AuthMissing); role checks happen in requireRole, keeping "who is this"
// separate from "are they allowed."
func (a *API) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, err := a.resolve(r)
		if err != nil {
			cperr.New(cperr.AuthMissing, err.Error()).WriteJSON(w)
			return
		}
		ctx := contextWithPrincipal(r.Context(), principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *API) requireRole(required authn.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := principalFrom(r.Context())
			if !p.Role.Allows(required) {
				cperr.New(cperr.Forbidden, "requires "+string(required)+" role").WriteJSON(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func contextWithPrincipal(ctx context.Context, p authn.Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFrom(ctx context.Context) authn.Principal {
	if p, ok := ctx.Value(principalKey{}).(authn.Principal); ok {
		return p
	}
	return authn.Principal{}
}

// ---- sessions ----

func (a *API) listSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.SessionFilter{
		HostID:          q.Get("host_id"),
		Provider:        q.Get("provider"),
		Query:           q.Get("q"),
		IncludeArchived: q.Get("include_archived") == "true",
		ArchivedOnly:    q.Get("archived_only") == "true",
	}
	if csv := q.Get("status"); csv != "" {
		filter.Status = strings.Split(csv, ",")
	}
	if groupID := q.Get("group_id"); groupID != "" {
		filter.GroupIDSet = true
		filter.GroupID = groupID
	}
	if q.Get("ungrouped") == "true" {
		filter.Ungrouped = true
	}
	if limit, err := strconv.Atoi(q.Get("limit")); err == nil && limit > 0 {
		filter.Limit = limit
		filter.Offset, _ = strconv.Atoi(q.Get("offset"))
	}

	page, err := a.store.GetSessionsPage(r.Context(), filter)
	if err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (a *API) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := a.store.GetSession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		cperr.Wrap(cperr.NotFound, err).WriteJSON(w)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (a *API) getSessionEvents(w http.ResponseWriter, r *http.Request) {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		limit = 200
	}
	events, err := a.store.GetEvents(r.Context(), chi.URLParam(r, "sessionID"), limit)
	if err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// patchSessionRequest is the body of PATCH /sessions/:id.
type patchSessionRequest struct {
	Title *string `json:"title,omitempty"`
	Idle  *bool   `json:"idle,omitempty"`
}

func (a *API) patchSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	var body patchSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		cperr.New(cperr.BadRequest, "malformed request body").WriteJSON(w)
		return
	}

	if body.Idle != nil {
		if err := a.store.SetIdled(r.Context(), id, *body.Idle); err != nil {
			writeInternalError(w, err)
			return
		}
	}
	if body.Title != nil {
		sess, err := a.store.GetSession(r.Context(), id)
		if err != nil {
			cperr.Wrap(cperr.NotFound, err).WriteJSON(w)
			return
		}
		sess.Title = *body.Title
		if err := a.store.UpsertSession(r.Context(), sess); err != nil {
			writeInternalError(w, err)
			return
		}
	}

	sess, err := a.store.GetSession(r.Context(), id)
	if err != nil {
		cperr.Wrap(cperr.NotFound, err).WriteJSON(w)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (a *API) deleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	if err := a.store.ArchiveSession(r.Context(), id); err != nil {
		writeInternalError(w, err)
		return
	}
	a.audit(r, "session.archive", id, "", "", "ok", "")
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) postSessionCommand(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	var req wire.CommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		cperr.New(cperr.BadRequest, "malformed command").WriteJSON(w)
		return
	}

	sess, err := a.store.GetSession(r.Context(), id)
	if err != nil {
		cperr.Wrap(cperr.NotFound, err).WriteJSON(w)
		return
	}

	ctx, cancel := newDispatchContext(r.Context())
	defer cancel()
	res, err := a.dispatcher.Dispatch(ctx, sess.HostID, id, req)
	a.audit(r, "command."+req.Type, id, sess.HostID, "", outcomeOf(err), errString(err))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) postSessionCopyTo(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	var req wire.CopyToRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		cperr.New(cperr.BadRequest, "malformed copy-to request").WriteJSON(w)
		return
	}
	payload, _ := json.Marshal(req)
	a.dispatchCommand(w, r, id, wire.CommandRequest{Type: "copy_to", Payload: payload}, "session.copy_to")
}

func (a *API) postSessionFork(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	a.dispatchCommand(w, r, id, wire.CommandRequest{Type: "fork"}, "session.fork")
}

func (a *API) spawnSession(w http.ResponseWriter, r *http.Request) {
	body, err := readRawBody(r)
	if err != nil {
		cperr.New(cperr.BadRequest, "malformed spawn request").WriteJSON(w)
		return
	}
	var hostReq struct {
		HostID string `json:"host_id"`
	}
	_ = json.Unmarshal(body, &hostReq)
	if hostReq.HostID == "" {
		cperr.New(cperr.BadRequest, "host_id is required").WriteJSON(w)
		return
	}
	a.dispatchToHost(w, r, hostReq.HostID, model.NullTmuxPaneSessionID,
		wire.CommandRequest{Type: "spawn", Payload: body}, "session.spawn")
}

// bulkSessions delegates every operation to the dispatcher's Bulk, which
// applies each id and emits exactly one sessions.changed covering all ids
// that succeeded. terminate additionally
// dispatches kill_session per session before archiving.
func (a *API) bulkSessions(w http.ResponseWriter, r *http.Request) {
	var req wire.BulkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		cperr.New(cperr.BadRequest, "malformed bulk request").WriteJSON(w)
		return
	}

	res, err := a.dispatcher.Bulk(r.Context(), a.store, req)
	if err != nil {
		if ce, ok := cperr.As(err); ok {
			ce.WriteJSON(w)
			return
		}
		writeInternalError(w, err)
		return
	}
	a.audit(r, "session.bulk."+string(req.Operation), "", "", "", "ok", "")
	writeJSON(w, http.StatusOK, res)
}

// ---- hosts ----

func (a *API) listHosts(w http.ResponseWriter, r *http.Request) {
	hosts, err := a.store.GetHosts(r.Context())
	if err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, hosts)
}

func (a *API) createHost(w http.ResponseWriter, r *http.Request) {
	var h model.Host
	if err := json.NewDecoder(r.Body).Decode(&h); err != nil {
		cperr.New(cperr.BadRequest, "malformed host").WriteJSON(w)
		return
	}
	h.LastSeen = time.Now().UTC()
	if err := a.store.UpsertHost(r.Context(), &h); err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, h)
}

func (a *API) issueHostToken(w http.ResponseWriter, r *http.Request) {
	hostID := chi.URLParam(r, "hostID")
	raw, token, err := a.store.IssueAgentToken(r.Context(), hostID)
	if err != nil {
		writeInternalError(w, err)
		return
	}
	a.audit(r, "host.token.issue", "", hostID, "", "ok", "")
	writeJSON(w, http.StatusCreated, struct {
		Token string           `json:"token"`
		Meta  *model.AgentToken `json:"meta"`
	}{Token: raw, Meta: token})
}

func (a *API) getOrphanPanes(w http.ResponseWriter, r *http.Request) {
	a.dispatchCommand(w, r, model.NullTmuxPaneSessionID,
		wire.CommandRequest{Type: "list_orphan_panes"}, "host.orphan_panes")
}

func (a *API) postAdoptPanes(w http.ResponseWriter, r *http.Request) {
	body, err := readRawBody(r)
	if err != nil {
		cperr.New(cperr.BadRequest, "malformed adopt-panes request").WriteJSON(w)
		return
	}
	a.dispatchCommand(w, r, model.NullTmuxPaneSessionID,
		wire.CommandRequest{Type: "adopt_panes", Payload: body}, "host.adopt_panes")
}

func (a *API) getDirectories(w http.ResponseWriter, r *http.Request) {
	hostID := chi.URLParam(r, "hostID")
	host, err := a.store.GetHost(r.Context(), hostID)
	if err != nil {
		cperr.Wrap(cperr.NotFound, err).WriteJSON(w)
		return
	}
	if !host.Capabilities.ListDirectory {
		cperr.New(cperr.DirectoryNotAllowed, "host does not support directory listing").WriteJSON(w)
		return
	}

	path := r.URL.Query().Get("path")
	showHidden := r.URL.Query().Get("show_hidden") == "true"
	if showHidden && !allowsHidden(host) {
		cperr.New(cperr.HiddenNotAllowed, "host does not allow listing hidden entries").WriteJSON(w)
		return
	}
	if path != "" && !allowedUnderRoots(path, host.Capabilities.AllowedRoots) {
		cperr.New(cperr.DirectoryNotAllowed, "path is outside the host's allowed roots").WriteJSON(w)
		return
	}

	payload, _ := json.Marshal(struct {
		Path       string `json:"path"`
		ShowHidden bool   `json:"show_hidden"`
	}{Path: path, ShowHidden: showHidden})
	a.dispatchCommand(w, r, model.NullTmuxPaneSessionID,
		wire.CommandRequest{Type: "list_directory", Payload: payload}, "host.directories")
}

// allowsHidden is a conservative default: capabilities carries no separate
// hidden-files flag, so showing hidden entries is only ever gated by the
// allowed-roots restriction itself.
func allowsHidden(*model.Host) bool { return true }

func allowedUnderRoots(path string, roots []string) bool {
	if len(roots) == 0 {
		return true
	}
	for _, root := range roots {
		if path == root || strings.HasPrefix(path, strings.TrimSuffix(root, "/")+"/") {
			return true
		}
	}
	return false
}

// ---- approvals ----

func (a *API) listApprovals(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		cperr.New(cperr.BadRequest, "session_id is required").WriteJSON(w)
		return
	}
	approvals, err := a.store.GetPendingApprovals(r.Context(), sessionID)
	if err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, approvals)
}

func (a *API) decideApproval(w http.ResponseWriter, r *http.Request) {
	var req wire.ApprovalDecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		cperr.New(cperr.BadRequest, "malformed decision").WriteJSON(w)
		return
	}
	decided, err := a.approvals.Decide(r.Context(), chi.URLParam(r, "approvalID"), req)
	if err != nil {
		writeErr(w, err)
		return
	}
	a.audit(r, "approval.decide", decided.SessionID, "", "", "ok", req.Decision)
	writeJSON(w, http.StatusOK, decided)
}

// ---- shared helpers ----

// dispatchCommand resolves the target host from either a URL-carried hostID
// (host-scoped routes) or the owning session's host, then dispatches.
func (a *API) dispatchCommand(w http.ResponseWriter, r *http.Request, sessionID string, cmd wire.CommandRequest, auditAction string) {
	hostID := chi.URLParam(r, "hostID")
	if hostID == "" {
		sess, err := a.store.GetSession(r.Context(), sessionID)
		if err != nil {
			writeErr(w, cperr.Wrap(cperr.NotFound, err))
			return
		}
		hostID = sess.HostID
	}
	a.dispatchToHost(w, r, hostID, sessionID, cmd, auditAction)
}

func (a *API) dispatchToHost(w http.ResponseWriter, r *http.Request, hostID, sessionID string, cmd wire.CommandRequest, auditAction string) {
	ctx, cancel := newDispatchContext(r.Context())
	defer cancel()
	res, err := a.dispatcher.Dispatch(ctx, hostID, sessionID, cmd)
	a.audit(r, auditAction, sessionID, hostID, "", outcomeOf(err), errString(err))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) audit(r *http.Request, action, sessionID, hostID, cmdID, outcome, detail string) {
	p := principalFrom(r.Context())
	err := a.store.AppendAuditLog(r.Context(), &model.AuditLog{
		Ts: time.Now().UTC(), Actor: p.Subject, Action: action,
		TargetSession: sessionID, TargetHost: hostID, CmdID: cmdID,
		Outcome: outcome, Detail: detail,
	})
	if err != nil {
		logging.WithComponent("httpapi").Warn().Err(err).Msg("failed to append audit log")
	}
}

func newDispatchContext(parent context.Context) (context.Context, func()) {
	return context.WithTimeout(parent, 35*time.Second)
}

func outcomeOf(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func readRawBody(r *http.Request) (json.RawMessage, error) {
	var raw json.RawMessage
	if r.Body == nil {
		return json.RawMessage(`{}`), nil
	}
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeInternalError(w http.ResponseWriter, err error) {
	cperr.Wrap(cperr.InternalError, err).WriteJSON(w)
}

func writeErr(w http.ResponseWriter, err error) {
	if ce, ok := cperr.As(err); ok {
		ce.WriteJSON(w)
		return
	}
	writeInternalError(w, err)
}
