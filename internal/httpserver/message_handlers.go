package httpserver

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"dmchat/internal/service"
)

type sendRequest struct {
	Text  string  `json:"text"`
	Image *string `json:"image"`
}

func idParam(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	return id, err == nil && id > 0
}

func handleSidebar(msgSvc *service.MessageService, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sidebar, err := msgSvc.SidebarSummary(r.Context(), CurrentUser(r).ID)
		if err != nil {
			writeError(w, r, log, err)
			return
		}
		writeJSON(w, http.StatusOK, sidebar)
	}
}

func handleHistory(msgSvc *service.MessageService, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		peerID, ok := idParam(r, "peerID")
		if !ok {
			writeBadRequest(w, "invalid user id")
			return
		}
		msgs, err := msgSvc.History(r.Context(), CurrentUser(r).ID, peerID)
		if err != nil {
			writeError(w, r, log, err)
			return
		}
		writeJSON(w, http.StatusOK, msgs)
	}
}

func handleMarkSeen(msgSvc *service.MessageService, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		messageID, ok := idParam(r, "messageID")
		if !ok {
			writeBadRequest(w, "invalid message id")
			return
		}
		if err := msgSvc.MarkSeen(r.Context(), messageID, CurrentUser(r).ID); err != nil {
			writeError(w, r, log, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleMarkConversationSeen(msgSvc *service.MessageService, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		peerID, ok := idParam(r, "peerID")
		if !ok {
			writeBadRequest(w, "invalid user id")
			return
		}
		n, err := msgSvc.MarkConversationSeen(r.Context(), peerID, CurrentUser(r).ID)
		if err != nil {
			writeError(w, r, log, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int64{"updated": n})
	}
}

func handleSend(msgSvc *service.MessageService, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		peerID, ok := idParam(r, "peerID")
		if !ok {
			writeBadRequest(w, "invalid user id")
			return
		}
		var req sendRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeBadRequest(w, "invalid JSON body")
			return
		}
		msg, err := msgSvc.Send(r.Context(), CurrentUser(r).ID, peerID, service.SendInput{
			Text:  req.Text,
			Image: req.Image,
		})
		if err != nil {
			writeError(w, r, log, err)
			return
		}
		writeJSON(w, http.StatusCreated, msg)
	}
}
