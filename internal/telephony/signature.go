package telephony

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/gin-gonic/gin"
)

const signatureHeader = "X-Twilio-Signature"

// ComputeSignature is Twilio's request signature: base64(HMAC-SHA1(authToken,
// fullURL + each POST param name and value, sorted by name)).
func ComputeSignature(authToken, fullURL string, params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		for _, v := range params[k] {
			b.WriteString(k)
			b.WriteString(v)
		}
	}

	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func ValidSignature(authToken, fullURL string, params url.Values, signature string) bool {
	if signature == "" {
		return false
	}
	expected := ComputeSignature(authToken, fullURL, params)
	return hmac.Equal([]byte(signature), []byte(expected))
}

// RequireSignature rejects carrier webhooks whose signature does not match. The
// URL is rebuilt from publicBaseURL because TLS usually terminates at a proxy.
func RequireSignature(authToken, publicBaseURL string, log *slog.Logger) gin.HandlerFunc {
	base := strings.TrimRight(publicBaseURL, "/")
	return func(c *gin.Context) {
		if err := c.Request.ParseForm(); err != nil {
			log.Warn("twilio webhook form unreadable", "path", c.Request.URL.Path, "err", err)
			c.AbortWithStatus(http.StatusBadRequest)
			return
		}
		fullURL := base + c.Request.URL.RequestURI()
		if !ValidSignature(authToken, fullURL, c.Request.PostForm, c.GetHeader(signatureHeader)) {
			log.Warn("twilio webhook signature rejected", "path", c.Request.URL.Path)
			c.AbortWithStatus(http.StatusForbidden)
			return
		}
		c.Next()
	}
}
