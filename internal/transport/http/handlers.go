package http

import (
	"errors"
	"mime"
	"mime/multipart"
	"net/http"

	"convcore/internal/apperr"
	"convcore/internal/classifier"
	"convcore/internal/domain"
	"convcore/internal/registry"
	"convcore/internal/session"

	"github.com/google/uuid"
)

type registerDeviceRequest struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	PublicKey string    `json:"publicKey"`
	Username  string    `json:"username"`
}

// registerDevice records a device for the token's subject. A token bound to a
// device id registers exactly that id.
func (h *Handler) registerDevice(w http.ResponseWriter, r *http.Request) {
	id, err := h.auth.VerifyRequest(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req registerDeviceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, apperr.Wrap(apperr.KindInvalid, "malformed request body", err))
		return
	}
	deviceID := req.ID
	if id.DeviceID != uuid.Nil {
		if deviceID != uuid.Nil && deviceID != id.DeviceID {
			writeError(w, r, apperr.Forbidden("token is bound to a different device"))
			return
		}
		deviceID = id.DeviceID
	}

	if _, err := h.registry.EnsureUser(r.Context(), id.UserID, req.Username); err != nil {
		writeError(w, r, err)
		return
	}
	dev, err := h.registry.RegisterDevice(r.Context(), id.UserID, registry.NewDevice{
		ID:        deviceID,
		Name:      req.Name,
		PublicKey: req.PublicKey,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, dev)
}

func (h *Handler) revokeDevice(w http.ResponseWriter, r *http.Request) {
	sess := mustSession(r)
	deviceID, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.keys.RevokeDevice(r.Context(), sess.UserID(), deviceID); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type createConversationRequest struct {
	Kind    domain.ConversationKind `json:"kind"`
	Members []uuid.UUID             `json:"members"`
}

func (h *Handler) createConversation(w http.ResponseWriter, r *http.Request) {
	var req createConversationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, apperr.Wrap(apperr.KindInvalid, "malformed request body", err))
		return
	}
	view, err := h.convs.Create(r.Context(), mustSession(r), req.Kind, req.Members)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

func (h *Handler) listConversations(w http.ResponseWriter, r *http.Request) {
	ids, err := h.convs.List(r.Context(), mustSession(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversationIds": ids})
}

func (h *Handler) getConversation(w http.ResponseWriter, r *http.Request) {
	convID, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	view, err := h.convs.Get(r.Context(), mustSession(r), convID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type addParticipantRequest struct {
	UserID uuid.UUID `json:"userId"`
}

func (h *Handler) addParticipant(w http.ResponseWriter, r *http.Request) {
	convID, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req addParticipantRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, apperr.Wrap(apperr.KindInvalid, "malformed request body", err))
		return
	}
	if req.UserID == uuid.Nil {
		writeError(w, r, apperr.Invalid("userId is required"))
		return
	}
	part, err := h.convs.AddParticipant(r.Context(), mustSession(r), convID, req.UserID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, part)
}

func (h *Handler) removeParticipant(w http.ResponseWriter, r *http.Request) {
	convID, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	userID, err := pathUUID(r, "userID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.convs.RemoveParticipant(r.Context(), mustSession(r), convID, userID); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) conversationDevices(w http.ResponseWriter, r *http.Request) {
	convID, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	devices, err := h.convs.Devices(r.Context(), mustSession(r), convID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices})
}

func (h *Handler) currentEnvelope(w http.ResponseWriter, r *http.Request) {
	convID, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	env, err := h.keys.Current(r.Context(), mustSession(r), convID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, env)
}

func (h *Handler) pendingMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := h.msgs.Pending(r.Context(), mustSession(r), queryInt(r, "limit"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []domain.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (h *Handler) messageStatus(w http.ResponseWriter, r *http.Request) {
	msgID, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	view, err := h.msgs.Status(r.Context(), mustSession(r), msgID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// analyzeDeepfake streams the multipart field "image" to the classifier
// without buffering the whole form.
func (h *Handler) analyzeDeepfake(w http.ResponseWriter, r *http.Request) {
	if h.analyzer == nil {
		writeError(w, r, apperr.Unavailable("analysis is not configured", 0, nil))
		return
	}
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "multipart/form-data" {
		writeError(w, r, apperr.Invalid("expected multipart/form-data"))
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, classifier.MaxUploadBytes+(64<<10))
	mr, err := r.MultipartReader()
	if err != nil {
		writeError(w, r, apperr.Wrap(apperr.KindInvalid, "malformed multipart body", err))
		return
	}

	var part *multipart.Part
	for {
		p, err := mr.NextPart()
		if err != nil {
			writeError(w, r, apperr.Invalid("image field is required"))
			return
		}
		if p.FormName() == "image" {
			part = p
			break
		}
		_ = p.Close()
	}
	defer part.Close()

	res, err := h.analyzer.Analyze(r.Context(), part.FileName(), part)
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			err = classifier.ErrTooLarge
		}
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func mustSession(r *http.Request) *session.Session {
	sess, ok := session.FromContext(r.Context())
	if !ok {
		// Routes using this are always behind the session middleware.
		panic("http: handler reached without a session")
	}
	return sess
}
