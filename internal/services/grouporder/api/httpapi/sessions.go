package httpapi

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/louisbranch/grouporder/internal/platform/errors"
	"github.com/louisbranch/grouporder/internal/services/grouporder/app"
	"github.com/louisbranch/grouporder/internal/services/grouporder/domain"
)

type sessionResponse struct {
	Session domain.Session `json:"session"`
}

type participantResponse struct {
	Session     domain.Session     `json:"session"`
	Participant domain.Participant `json:"participant"`
}

type itemResponse struct {
	Session domain.Session  `json:"session"`
	Item    domain.CartItem `json:"item"`
}

type splitResponse struct {
	Split domain.PaymentSplit `json:"split"`
}

type createSessionRequest struct {
	RestaurantID    string `json:"restaurant_id" validate:"required,max=128"`
	TableID         string `json:"table_id" validate:"max=128"`
	Name            string `json:"name" validate:"required,max=80"`
	Email           string `json:"email" validate:"omitempty,email"`
	MaxParticipants int    `json:"max_participants" validate:"omitempty,min=2,max=20"`
}

type joinSessionRequest struct {
	Name  string `json:"name" validate:"required,max=80"`
	Email string `json:"email" validate:"omitempty,email"`
}

// versioned is embedded by every caller-versioned mutation.
type versioned struct {
	ExpectedVersion *int64 `json:"expected_version" validate:"required,min=0"`
}

type actorRequest struct {
	versioned
	ParticipantID string `json:"participant_id" validate:"required"`
}

type customizationRequest struct {
	Name       string       `json:"name" validate:"required,max=80"`
	Value      string       `json:"value" validate:"max=80"`
	PriceDelta domain.Money `json:"price_delta" validate:"min=-100000000,max=100000000"`
}

type addItemRequest struct {
	actorRequest
	MenuItemID     string                 `json:"menu_item_id" validate:"required_without=Price,max=128"`
	Name           string                 `json:"name" validate:"required_with=Price,max=120"`
	Price          *domain.Money          `json:"price" validate:"omitempty,min=0,max=100000000"`
	Quantity       int                    `json:"quantity" validate:"required,min=1,max=99"`
	Customizations []customizationRequest `json:"customizations" validate:"max=20,dive"`
	Notes          string                 `json:"notes" validate:"max=280"`
	AssignedTo     []string               `json:"assigned_to" validate:"max=20,dive,required"`
}

type updateItemRequest struct {
	actorRequest
	Quantity       *int                    `json:"quantity" validate:"omitempty,min=1,max=99"`
	Customizations *[]customizationRequest `json:"customizations" validate:"omitempty,max=20,dive"`
	Notes          *string                 `json:"notes" validate:"omitempty,max=280"`
	AssignedTo     *[]string               `json:"assigned_to" validate:"omitempty,max=20,dive,required"`
}

type spendingLimitRequest struct {
	actorRequest
	Limit *domain.Money `json:"limit" validate:"omitempty,min=0,max=10000000000"`
}

type customShareRequest struct {
	ParticipantID string             `json:"participant_id" validate:"required"`
	Amount        domain.Money       `json:"amount" validate:"min=0,max=20000000000"`
	Percent       domain.BasisPoints `json:"percent_bps" validate:"min=0,max=10000"`
}

type customRequest struct {
	Unit   domain.CustomUnit    `json:"unit" validate:"required,oneof=amount percent"`
	Shares []customShareRequest `json:"shares" validate:"required,min=1,dive"`
}

type paymentStructureRequest struct {
	actorRequest
	Method  domain.PaymentStructure `json:"method" validate:"required,oneof=pay_all equal_split pay_own custom_split"`
	PayerID string                  `json:"payer_id"`
	Custom  *customRequest          `json:"custom" validate:"required_if=Method custom_split,omitempty"`
}

type tipRequest struct {
	actorRequest
	Tip domain.Money `json:"tip" validate:"min=0,max=100000000"`
}

func (h *Handler) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	sess, err := h.svc.Create(r.Context(), app.CreateRequest{
		RestaurantID:    req.RestaurantID,
		TableID:         req.TableID,
		Name:            req.Name,
		Email:           req.Email,
		MaxParticipants: req.MaxParticipants,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	host, _ := sess.Participant(sess.CreatedBy)
	writeJSON(w, http.StatusCreated, participantResponse{Session: sess, Participant: host})
}

func (h *Handler) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.svc.Get(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{Session: sess})
}

func (h *Handler) resolveCode(w http.ResponseWriter, r *http.Request) {
	sess, err := h.svc.Resolve(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{Session: sess})
}

func (h *Handler) joinSession(w http.ResponseWriter, r *http.Request) {
	var req joinSessionRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	sess, p, err := h.svc.Join(r.Context(), chi.URLParam(r, "code"), app.JoinRequest{Name: req.Name, Email: req.Email})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, participantResponse{Session: sess, Participant: p})
}

func (h *Handler) leaveSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.svc.Leave(r.Context(), chi.URLParam(r, "sessionID"), chi.URLParam(r, "participantID"))
	h.respondSession(w, r, sess, err)
}

func (h *Handler) touchParticipant(w http.ResponseWriter, r *http.Request) {
	sess, err := h.svc.Touch(r.Context(), chi.URLParam(r, "sessionID"), chi.URLParam(r, "participantID"))
	h.respondSession(w, r, sess, err)
}

func (h *Handler) addItem(w http.ResponseWriter, r *http.Request) {
	var req addItemRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	sessionID := chi.URLParam(r, "sessionID")
	var (
		sess domain.Session
		item domain.CartItem
		err  error
	)
	if req.Price == nil {
		sess, item, err = h.svc.AddMenuItem(r.Context(), sessionID, *req.ExpectedVersion, app.MenuItemRequest{
			MenuItemID:     req.MenuItemID,
			Quantity:       req.Quantity,
			Customizations: customizations(req.Customizations),
			Notes:          req.Notes,
			AddedBy:        req.ParticipantID,
			AssignedTo:     req.AssignedTo,
		})
	} else {
		sess, item, err = h.svc.AddItem(r.Context(), sessionID, *req.ExpectedVersion, domain.AddItemInput{
			MenuItemID:     req.MenuItemID,
			Name:           req.Name,
			Price:          *req.Price,
			Quantity:       req.Quantity,
			Customizations: customizations(req.Customizations),
			Notes:          req.Notes,
			AddedBy:        req.ParticipantID,
			AssignedTo:     req.AssignedTo,
		})
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, itemResponse{Session: sess, Item: item})
}

func (h *Handler) updateItem(w http.ResponseWriter, r *http.Request) {
	var req updateItemRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	in := domain.UpdateItemInput{
		ItemID:     chi.URLParam(r, "itemID"),
		ModifiedBy: req.ParticipantID,
		Quantity:   req.Quantity,
		Notes:      req.Notes,
		AssignedTo: req.AssignedTo,
	}
	if req.Customizations != nil {
		c := customizations(*req.Customizations)
		in.Customizations = &c
	}
	sess, item, err := h.svc.UpdateItem(r.Context(), chi.URLParam(r, "sessionID"), *req.ExpectedVersion, in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, itemResponse{Session: sess, Item: item})
}

func (h *Handler) removeItem(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	expected, err := strconv.ParseInt(q.Get("expected_version"), 10, 64)
	if err != nil || expected < 0 {
		h.writeError(w, r, apperrors.WithMetadata(apperrors.CodeValidation, "expected_version query parameter is required",
			map[string]string{apperrors.MetaField: "expected_version"}))
		return
	}
	participantID := q.Get("participant_id")
	if participantID == "" {
		h.writeError(w, r, apperrors.WithMetadata(apperrors.CodeValidation, "participant_id query parameter is required",
			map[string]string{apperrors.MetaField: "participant_id"}))
		return
	}
	sess, err := h.svc.RemoveItem(r.Context(), chi.URLParam(r, "sessionID"), expected, chi.URLParam(r, "itemID"), participantID)
	h.respondSession(w, r, sess, err)
}

func (h *Handler) setSpendingLimit(w http.ResponseWriter, r *http.Request) {
	var req spendingLimitRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	sess, err := h.svc.SetSpendingLimit(r.Context(), chi.URLParam(r, "sessionID"), *req.ExpectedVersion,
		req.ParticipantID, chi.URLParam(r, "participantID"), req.Limit)
	h.respondSession(w, r, sess, err)
}

func (h *Handler) setPaymentStructure(w http.ResponseWriter, r *http.Request) {
	var req paymentStructureRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	in := domain.PaymentInput{Method: req.Method, PayerID: req.PayerID, SetBy: req.ParticipantID}
	if req.Custom != nil {
		custom := &domain.CustomAllocation{Unit: req.Custom.Unit}
		for _, share := range req.Custom.Shares {
			custom.Shares = append(custom.Shares, domain.CustomShare(share))
		}
		in.Custom = custom
	}
	sess, err := h.svc.SetPaymentStructure(r.Context(), chi.URLParam(r, "sessionID"), *req.ExpectedVersion, in)
	h.respondSession(w, r, sess, err)
}

func (h *Handler) setTip(w http.ResponseWriter, r *http.Request) {
	var req tipRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	sess, err := h.svc.SetTip(r.Context(), chi.URLParam(r, "sessionID"), *req.ExpectedVersion, req.ParticipantID, req.Tip)
	h.respondSession(w, r, sess, err)
}

func (h *Handler) computeSplit(w http.ResponseWriter, r *http.Request) {
	split, err := h.svc.Split(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, splitResponse{Split: split})
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request) {
	var req actorRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	sess, err := h.svc.Submit(r.Context(), chi.URLParam(r, "sessionID"), *req.ExpectedVersion, req.ParticipantID)
	h.respondSession(w, r, sess, err)
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	var req actorRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	sess, err := h.svc.Cancel(r.Context(), chi.URLParam(r, "sessionID"), *req.ExpectedVersion, req.ParticipantID)
	h.respondSession(w, r, sess, err)
}

func (h *Handler) complete(w http.ResponseWriter, r *http.Request) {
	var req versioned
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	sess, err := h.svc.Complete(r.Context(), chi.URLParam(r, "sessionID"), *req.ExpectedVersion)
	h.respondSession(w, r, sess, err)
}

func (h *Handler) recordPayment(w http.ResponseWriter, r *http.Request) {
	var req actorRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	sess, err := h.svc.RecordPayment(r.Context(), chi.URLParam(r, "sessionID"), *req.ExpectedVersion, req.ParticipantID)
	h.respondSession(w, r, sess, err)
}

func (h *Handler) respondSession(w http.ResponseWriter, r *http.Request, sess domain.Session, err error) {
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{Session: sess})
}

func customizations(in []customizationRequest) []domain.Customization {
	if in == nil {
		return nil
	}
	out := make([]domain.Customization, 0, len(in))
	for _, c := range in {
		out = append(out, domain.Customization(c))
	}
	return out
}
