package http

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chi_middleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/rentdesk/comms_services/internal/core_comms/domain"
	"github.com/rentdesk/comms_services/internal/core_comms/repository"
	"github.com/rentdesk/comms_services/internal/dispatch_service/app"
	dispatchgrpc "github.com/rentdesk/comms_services/internal/dispatch_service/adapters/grpc"
)

// CommsService is the application API the handlers call.
type CommsService interface {
	Send(ctx context.Context, req app.SendRequest) (*app.SendResult, error)
	SendBulk(ctx context.Context, req app.BulkRequest) (*domain.BulkCommunication, error)
	GetByID(ctx context.Context, id string) (*domain.Communication, error)
	List(ctx context.Context, q repository.ListQuery) (*app.ListResult, error)
	Cancel(ctx context.Context, id string) (bool, error)
	GetBulk(ctx context.Context, id string) (*domain.BulkCommunication, error)
	CancelBulk(ctx context.Context, id string) (*domain.BulkCommunication, int, error)
}

// BalanceReader asks the dispatch service for a provider's account balance.
type BalanceReader interface {
	GetProviderBalance(ctx context.Context, providerName string) (*dispatchgrpc.ProviderBalance, error)
}

type CommunicationHandler struct {
	service  CommsService
	balances BalanceReader
	validate *validator.Validate
	logger   *slog.Logger
}

// NewCommunicationHandler builds the handler. balances may be nil, in which
// case the provider balance route is not registered.
func NewCommunicationHandler(service CommsService, balances BalanceReader, logger *slog.Logger) *CommunicationHandler {
	return &CommunicationHandler{
		service:  service,
		balances: balances,
		validate: newValidator(),
		logger:   logger.With("handler", "communication"),
	}
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func (h *CommunicationHandler) RegisterRoutes(r chi.Router) {
	r.Route("/v1/communications", func(r chi.Router) {
		r.Post("/", h.handleSend)
		r.Get("/", h.handleList)
		r.Post("/bulk", h.handleSendBulk)
		r.Get("/{id}", h.handleGet)
		r.Post("/{id}/cancel", h.handleCancel)
	})
	r.Get("/v1/bulk/{id}", h.handleGetBulk)
	r.Post("/v1/bulk/{id}/cancel", h.handleCancelBulk)
	if h.balances != nil {
		r.Get("/v1/providers/{name}/balance", h.handleProviderBalance)
	}
}

func (h *CommunicationHandler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		jsonError(w, r, h.logger, http.StatusBadRequest, GenericErrorResponse{Error: "invalid request payload", Details: err.Error()})
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeError(w, r, h.logger, err)
		return false
	}
	return true
}

func (h *CommunicationHandler) handleSend(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req SendCommunicationRequest
	if !h.decode(w, r, &req) {
		return
	}
	sendReq := req.toSendRequest()
	if sendReq.Context.RequestID == "" {
		sendReq.Context.RequestID = chi_middleware.GetReqID(ctx)
	}
	if sendReq.Context.IPAddress == "" {
		sendReq.Context.IPAddress = r.RemoteAddr
	}
	if sendReq.Context.UserAgent == "" {
		sendReq.Context.UserAgent = r.UserAgent()
	}

	res, err := h.service.Send(ctx, sendReq)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	statusCode := http.StatusAccepted
	if res.Duplicate {
		statusCode = http.StatusOK
	}
	writeJSON(w, statusCode, res)
}

func (h *CommunicationHandler) handleSendBulk(w http.ResponseWriter, r *http.Request) {
	var req SendBulkRequest
	if !h.decode(w, r, &req) {
		return
	}
	bulkReq := req.toBulkRequest()
	if bulkReq.Context.RequestID == "" {
		bulkReq.Context.RequestID = chi_middleware.GetReqID(r.Context())
	}
	bulk, err := h.service.SendBulk(r.Context(), bulkReq)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusAccepted, bulk)
}

func (h *CommunicationHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	c, err := h.service.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *CommunicationHandler) handleList(w http.ResponseWriter, r *http.Request) {
	q, err := parseListQuery(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	res, err := h.service.List(r.Context(), q)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *CommunicationHandler) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	cancelled, err := h.service.Cancel(r.Context(), id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, CancelResponse{CommunicationID: id, Cancelled: cancelled})
}

func (h *CommunicationHandler) handleGetBulk(w http.ResponseWriter, r *http.Request) {
	bulk, err := h.service.GetBulk(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, bulk)
}

func (h *CommunicationHandler) handleCancelBulk(w http.ResponseWriter, r *http.Request) {
	bulk, n, err := h.service.CancelBulk(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, BulkCancelResponse{Bulk: bulk, Cancelled: n})
}

func (h *CommunicationHandler) handleProviderBalance(w http.ResponseWriter, r *http.Request) {
	balance, err := h.balances.GetProviderBalance(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, balance)
}

func parseListQuery(r *http.Request) (repository.ListQuery, error) {
	v := r.URL.Query()
	q := repository.ListQuery{
		Type:       domain.CommunicationType(v.Get("type")),
		Status:     domain.Status(v.Get("status")),
		BulkID:     v.Get("bulkId"),
		UserID:     v.Get("userId"),
		OrgID:      v.Get("orgId"),
		CampaignID: v.Get("campaignId"),
	}
	var err error
	if q.Page, err = intParam(v.Get("page"), "page"); err != nil {
		return q, err
	}
	if q.Limit, err = intParam(v.Get("limit"), "limit"); err != nil {
		return q, err
	}
	if q.From, err = timeParam(v.Get("from"), "from"); err != nil {
		return q, err
	}
	if q.To, err = timeParam(v.Get("to"), "to"); err != nil {
		return q, err
	}
	if q.Status != "" && !q.Status.Valid() {
		return q, domain.NewValidationError("status", fmt.Sprintf("unknown status %q", q.Status))
	}
	return q, nil
}

func intParam(s, name string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, domain.NewValidationError(name, "must be a non-negative integer")
	}
	return n, nil
}

func timeParam(s, name string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, domain.NewValidationError(name, "must be an RFC3339 timestamp")
	}
	return &t, nil
}
