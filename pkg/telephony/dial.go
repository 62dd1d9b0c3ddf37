// Package telephony places outbound calls through the carrier's REST
// API. The answered leg calls back into the gateway's TwiML endpoint,
// which connects the media stream.
package telephony

import (
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"

	"github.com/twilio/twilio-go"
	twilioapi "github.com/twilio/twilio-go/rest/api/v2010"
)

// callCreator is the one REST operation the dialer needs.
type callCreator interface {
	CreateCall(params *twilioapi.CreateCallParams) (*twilioapi.ApiV2010Call, error)
}

// Dialer starts outbound call legs.
type Dialer struct {
	api        callCreator
	logger     *slog.Logger
	from       string
	publicHost string
}

// NewDialer builds a dialer over the carrier REST client. publicHost is
// the externally reachable host the carrier posts the TwiML callback to.
func NewDialer(accountSID, authToken, from, publicHost string, logger *slog.Logger) *Dialer {
	if logger == nil {
		logger = slog.Default()
	}
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	})
	return &Dialer{api: client.Api, logger: logger, from: from, publicHost: publicHost}
}

// Dial places one outbound call that will stream its media back to the
// gateway tagged with the given agent. Returns the carrier's call SID.
func (d *Dialer) Dial(to, from, agentID string) (string, error) {
	if d.publicHost == "" {
		return "", fmt.Errorf("dial %s: no public host configured", to)
	}
	if from == "" {
		from = d.from
	}
	if from == "" {
		return "", fmt.Errorf("dial %s: no from number", to)
	}

	q := url.Values{}
	q.Set("agent_id", agentID)
	q.Set("direction", "outbound")
	callback := "https://" + d.publicHost + "/twiml?" + q.Encode()

	params := &twilioapi.CreateCallParams{}
	params.SetTo(to)
	params.SetFrom(from)
	params.SetUrl(callback)
	params.SetMethod("POST")

	resp, err := d.api.CreateCall(params)
	if err != nil {
		return "", fmt.Errorf("dial %s: %w", to, err)
	}
	sid := ""
	if resp.Sid != nil {
		sid = *resp.Sid
	}
	d.logger.Info("outbound call created", "to", to, "agent_id", agentID, "carrier_call_id", sid)
	return sid, nil
}

// StreamURL is the media WebSocket address handed to the carrier in
// TwiML, e.g. "wss://gate.example.com/twilio".
func StreamURL(publicHost, carrierPath string) string {
	return "wss://" + publicHost + carrierPath
}

// ConnectStreamTwiML renders the answer document that bridges a call
// leg onto the media stream. Custom parameters surface in the stream's
// start frame, which is how the outbound leg carries its agent binding.
func ConnectStreamTwiML(streamURL string, params map[string]string) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>`)
	b.WriteString("\n<Response><Connect><Stream url=\"")
	b.WriteString(xmlEscape(streamURL))
	b.WriteString("\">")
	for _, name := range sortedKeys(params) {
		b.WriteString(`<Parameter name="`)
		b.WriteString(xmlEscape(name))
		b.WriteString(`" value="`)
		b.WriteString(xmlEscape(params[name]))
		b.WriteString(`"/>`)
	}
	b.WriteString("</Stream></Connect></Response>\n")
	return b.String()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func xmlEscape(s string) string {
	r := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		`"`, "&quot;",
		"'", "&apos;",
	)
	return r.Replace(s)
}
