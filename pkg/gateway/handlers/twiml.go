package handlers

import (
	"log/slog"
	"net/http"

	twclient "github.com/twilio/twilio-go/client"

	"github.com/vango-go/voicegate/pkg/telephony"
)

// TwimlHandler answers the carrier's webhook for outbound call legs
// with a document that connects the leg to the media stream.
type TwimlHandler struct {
	Logger *slog.Logger

	PublicHost  string
	CarrierPath string

	// WebhookSecret enables signature validation when set. The carrier
	// signs webhooks with the account auth token.
	WebhookSecret string
}

func (h TwimlHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}

	if h.WebhookSecret != "" && !h.validSignature(r) {
		h.Logger.Warn("webhook signature rejected", "remote", r.RemoteAddr)
		http.Error(w, "invalid signature", http.StatusForbidden)
		return
	}

	params := map[string]string{
		"direction": "outbound",
	}
	if agentID := r.FormValue("agent_id"); agentID != "" {
		params["agent_id"] = agentID
	}
	if direction := r.FormValue("direction"); direction != "" {
		params["direction"] = direction
	}
	if from := r.FormValue("From"); from != "" {
		params["from"] = from
	}
	if to := r.FormValue("To"); to != "" {
		params["to"] = to
	}

	doc := telephony.ConnectStreamTwiML(telephony.StreamURL(h.PublicHost, h.CarrierPath), params)
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	_, _ = w.Write([]byte(doc))
}

func (h TwimlHandler) validSignature(r *http.Request) bool {
	params := make(map[string]string, len(r.PostForm))
	for key := range r.PostForm {
		params[key] = r.PostForm.Get(key)
	}
	url := "https://" + h.PublicHost + r.URL.RequestURI()
	validator := twclient.NewRequestValidator(h.WebhookSecret)
	return validator.Validate(url, params, r.Header.Get("X-Twilio-Signature"))
}
