package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/errlyhq/errly/pkg/push"
)

// streamHandler handles GET /api/errors/stream: a long-lived SSE
// connection fed by the push hub. One writer loop per connection; a write
// failure tears the client down immediately.
func (s *Server) streamHandler(c *gin.Context) {
	client, err := s.hub.Subscribe(c.GetString(sessionKey))
	if err != nil {
		if errors.Is(err, push.ErrHubFull) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "too many connected clients"})
			return
		}
		s.logger.Error("SSE subscribe failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}
	defer s.hub.Unsubscribe(client)

	h := c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-client.Done():
			// Deliver anything already queued (the auth-expired frame on a
			// revalidation close arrives this way), then end the response.
			for {
				select {
				case frame := <-client.Frames():
					if _, err := c.Writer.Write(frame); err != nil {
						return
					}
					c.Writer.Flush()
				default:
					return
				}
			}
		case frame := <-client.Frames():
			if _, err := c.Writer.Write(frame); err != nil {
				return
			}
			c.Writer.Flush()
		}
	}
}
