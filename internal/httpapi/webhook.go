package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nivora/inboxd/internal/ingest"
	"github.com/nivora/inboxd/internal/models"
)

// handleWebhookVerify answers the provider's subscription handshake by
// echoing the challenge when the verify token matches.
func (s *Server) handleWebhookVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("hub.mode") != "subscribe" || q.Get("hub.verify_token") != s.cfg.VerifyToken {
		writeError(w, http.StatusForbidden, "forbidden", "verification failed")
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(q.Get("hub.challenge")))
}

// handleWebhookDelivery authenticates the signed batch, normalizes it and
// hands it to the ingestion pipeline. 200 means every event is durable or a
// recognized duplicate; 500 asks the provider to redeliver.
func (s *Server) handleWebhookDelivery(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation", "unreadable request body")
		return
	}
	defer r.Body.Close()

	if !verifySignature(s.cfg.AppSecret, r.Header.Get("X-Hub-Signature-256"), body) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid webhook signature")
		return
	}

	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "malformed webhook payload")
		return
	}

	events := payload.events()
	if err := s.ingest.IngestBatch(r.Context(), events); err != nil {
		s.logger.Error("webhook batch processing failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "infrastructure", "event processing failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]int{"processed": len(events)})
}

// verifySignature checks the hex HMAC-SHA256 of the raw request bytes,
// tolerating the provider's "sha256=" prefix. Constant-time compare.
func verifySignature(secret, header string, body []byte) bool {
	if secret == "" || header == "" {
		return false
	}
	signature := strings.TrimPrefix(header, "sha256=")
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(strings.ToLower(signature)), []byte(expected))
}

// webhookPayload is the trimmed provider delivery shape: a batch of entries,
// each carrying channel metadata, sender profiles and messages.
type webhookPayload struct {
	Entry []struct {
		Changes []struct {
			Value struct {
				Metadata struct {
					DisplayPhoneNumber string `json:"display_phone_number"`
					PhoneNumberID      string `json:"phone_number_id"`
				} `json:"metadata"`
				Contacts []struct {
					WaID    string `json:"wa_id"`
					Profile struct {
						Name string `json:"name"`
					} `json:"profile"`
				} `json:"contacts"`
				Messages []webhookMessage `json:"messages"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type webhookMessage struct {
	From      string `json:"from"`
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text,omitempty"`
	Image    *webhookMedia `json:"image,omitempty"`
	Video    *webhookMedia `json:"video,omitempty"`
	Audio    *webhookMedia `json:"audio,omitempty"`
	Document *webhookMedia `json:"document,omitempty"`
}

type webhookMedia struct {
	ID       string `json:"id"`
	Link     string `json:"link"`
	MimeType string `json:"mime_type"`
	Caption  string `json:"caption"`
}

func (p webhookPayload) events() []ingest.InboundEvent {
	var events []ingest.InboundEvent
	for _, entry := range p.Entry {
		for _, change := range entry.Changes {
			value := change.Value
			names := make(map[string]string, len(value.Contacts))
			for _, c := range value.Contacts {
				names[c.WaID] = c.Profile.Name
			}
			for _, msg := range value.Messages {
				event := ingest.InboundEvent{
					ChannelExternalID: value.Metadata.PhoneNumberID,
					ChannelName:       value.Metadata.DisplayPhoneNumber,
					SenderExternalID:  msg.From,
					SenderName:        names[msg.From],
					ExternalMessageID: msg.ID,
					Timestamp:         parseEpoch(msg.Timestamp),
				}
				event.Type, event.Body, event.Attachments = msg.content()
				if raw, err := json.Marshal(msg); err == nil {
					event.RawPayload = raw
				}
				events = append(events, event)
			}
		}
	}
	return events
}

func (m webhookMessage) content() (models.ContentType, string, []ingest.InboundAttachment) {
	attach := func(kind string, media *webhookMedia) []ingest.InboundAttachment {
		link := media.Link
		if link == "" {
			link = media.ID
		}
		return []ingest.InboundAttachment{{Kind: kind, Link: link, MimeType: media.MimeType}}
	}
	switch {
	case m.Image != nil:
		return models.ImageContent, m.Image.Caption, attach("image", m.Image)
	case m.Video != nil:
		return models.VideoContent, m.Video.Caption, attach("video", m.Video)
	case m.Audio != nil:
		return models.AudioContent, "", attach("audio", m.Audio)
	case m.Document != nil:
		return models.DocumentContent, m.Document.Caption, attach("document", m.Document)
	case m.Text != nil:
		return models.TextContent, m.Text.Body, nil
	default:
		return models.TextContent, "", nil
	}
}

func parseEpoch(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	secs, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(secs, 0).UTC()
}
