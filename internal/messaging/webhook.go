package messaging

import (
	"fmt"
	"net/http"
	"strconv"
)

// InboundMessage is one parsed webhook delivery from the transport.
type InboundMessage struct {
	MessageSid        string
	AccountSid        string
	From              string
	To                string
	Body              string
	NumMedia          int
	MediaURLs         []string
	MediaContentTypes []string
}

// ParseInbound extracts the inbound message from the vendor's form post.
// Media URLs arrive as MediaUrl0..MediaUrl{NumMedia-1}.
func ParseInbound(r *http.Request) (*InboundMessage, error) {
	if err := r.ParseForm(); err != nil {
		return nil, fmt.Errorf("messaging: parse webhook form: %w", err)
	}

	msg := &InboundMessage{
		MessageSid: r.FormValue("MessageSid"),
		AccountSid: r.FormValue("AccountSid"),
		From:       r.FormValue("From"),
		To:         r.FormValue("To"),
		Body:       r.FormValue("Body"),
	}
	if msg.MessageSid == "" {
		return nil, fmt.Errorf("messaging: webhook missing MessageSid")
	}
	if msg.From == "" {
		return nil, fmt.Errorf("messaging: webhook missing From")
	}

	numMedia, err := strconv.Atoi(r.FormValue("NumMedia"))
	if err != nil || numMedia < 0 {
		numMedia = 0
	}
	msg.NumMedia = numMedia
	for i := 0; i < numMedia; i++ {
		if u := r.FormValue("MediaUrl" + strconv.Itoa(i)); u != "" {
			msg.MediaURLs = append(msg.MediaURLs, u)
			msg.MediaContentTypes = append(msg.MediaContentTypes, r.FormValue("MediaContentType"+strconv.Itoa(i)))
		}
	}
	return msg, nil
}
