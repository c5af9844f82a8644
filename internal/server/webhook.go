package server

import (
	"errors"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	paymentdomain "github.com/lumapix/lumapix/internal/payment/domain"
	"github.com/lumapix/lumapix/internal/providers/yookassa"
	"go.uber.org/zap"
)

// HandleYooKassaWebhook ingests provider callbacks. The provider does not
// sign payloads, so requests from outside the published source ranges are
// rejected before the body is touched.
func (s *Server) HandleYooKassaWebhook(c *gin.Context) {
	origin, trusted := s.webhookOrigin(c)
	if !trusted {
		s.obsMetrics.RecordWebhookRejected()
		s.log.Warn("webhook from untrusted origin", zap.String("origin", origin))
		c.AbortWithStatus(http.StatusForbidden)
		return
	}

	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	ev, err := yookassa.ParseEvent(payload)
	if err != nil {
		s.log.Warn("unparseable webhook payload", zap.Error(err))
		AbortWithError(c, invalidRequestError())
		return
	}

	if err := s.paymentSvc.Apply(c.Request.Context(), ev); err != nil {
		// Malformed-but-parsed events are acknowledged so the provider stops
		// redelivering them. Real failures get a 500 and a retry.
		if errors.Is(err, paymentdomain.ErrInvalidEvent) {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
			return
		}
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// webhookOrigin resolves the effective caller IP and checks it against the
// allow-list. X-Forwarded-For is honored only when the direct peer is itself
// trusted; otherwise anyone could spoof the header.
func (s *Server) webhookOrigin(c *gin.Context) (string, bool) {
	peer, _, err := net.SplitHostPort(c.Request.RemoteAddr)
	if err != nil {
		peer = c.Request.RemoteAddr
	}
	if !s.isTrusted(peer) {
		return peer, false
	}

	forwarded := strings.TrimSpace(c.GetHeader("X-Forwarded-For"))
	if forwarded == "" {
		return peer, true
	}
	candidate := strings.TrimSpace(strings.Split(forwarded, ",")[0])
	if candidate == "" {
		return peer, true
	}
	return candidate, s.isTrusted(candidate)
}

func (s *Server) isTrusted(host string) bool {
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	for _, ipNet := range s.trustedNets {
		if ipNet.Contains(ip) {
			return true
		}
	}
	return false
}
