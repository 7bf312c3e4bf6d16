package sas

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/juju/errors"
)

const (
	TokenPrefix     = "SharedAccessSignature "
	DefaultTokenTTL = 3600 * time.Second
)

// TokenGenerator produces tokens with default expiry Now()+TTL+Skew.
// Skew compensates device clock running behind hub clock.
// Zero value is usable: TTL=DefaultTokenTTL, Now=time.Now.
type TokenGenerator struct {
	TTL  time.Duration
	Skew time.Duration
	Now  func() time.Time
}

func (g *TokenGenerator) Expiry() time.Time {
	now := time.Now
	if g != nil && g.Now != nil {
		now = g.Now
	}
	ttl := DefaultTokenTTL
	var skew time.Duration
	if g != nil {
		if g.TTL > 0 {
			ttl = g.TTL
		}
		skew = g.Skew
	}
	return now().Add(ttl + skew)
}

// Generate signs token for cs. Zero expiry means g.Expiry().
func (g *TokenGenerator) Generate(cs *ConnectionString, expiry time.Time) (string, error) {
	if expiry.IsZero() {
		expiry = g.Expiry()
	}
	return cs.Token(expiry)
}

// Token returns shared access signature valid until expiry (truncated to seconds).
// Zero expiry means now+DefaultTokenTTL.
func (cs *ConnectionString) Token(expiry time.Time) (string, error) {
	if expiry.IsZero() {
		expiry = time.Now().Add(DefaultTokenTTL)
	}
	se := expiry.Unix()
	uri := cs.ResourceURI()
	sig, err := Sign(cs.SharedAccessKey, uri, se)
	if err != nil {
		return "", err
	}

	b := strings.Builder{}
	b.Grow(len(TokenPrefix) + len(uri)*2 + len(sig)*2 + 64)
	b.WriteString(TokenPrefix)
	b.WriteString("sr=")
	b.WriteString(url.QueryEscape(uri))
	b.WriteString("&sig=")
	b.WriteString(url.QueryEscape(sig))
	b.WriteString("&se=")
	b.WriteString(strconv.FormatInt(se, 10))
	if cs.SharedAccessKeyName != "" {
		b.WriteString("&skn=")
		b.WriteString(url.QueryEscape(cs.SharedAccessKeyName))
	}
	return b.String(), nil
}

// Sign returns base64 HMAC-SHA256 of "urlencode(uri)\nexpiry" keyed by decoded key.
func Sign(key64 string, uri string, expiry int64) (string, error) {
	key, err := base64.StdEncoding.DecodeString(key64)
	if err != nil {
		return "", errors.Annotate(err, "SharedAccessKey base64")
	}
	mac := hmac.New(sha256.New, key)
	_, _ = mac.Write([]byte(url.QueryEscape(uri) + "\n" + strconv.FormatInt(expiry, 10)))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

// Token is parsed shared access signature.
type Token struct {
	Resource string
	Sig      string
	Expiry   int64
	KeyName  string
}

func (t Token) ExpiryTime() time.Time { return time.Unix(t.Expiry, 0) }

// Verify checks signature against key.
func (t Token) Verify(key64 string) error {
	expect, err := Sign(key64, t.Resource, t.Expiry)
	if err != nil {
		return err
	}
	if !hmac.Equal([]byte(expect), []byte(t.Sig)) {
		return errors.NotValidf("token signature")
	}
	return nil
}

func ParseToken(s string) (Token, error) {
	var t Token
	if !strings.HasPrefix(s, TokenPrefix) {
		return t, errors.NotValidf("token prefix")
	}
	q, err := url.ParseQuery(s[len(TokenPrefix):])
	if err != nil {
		return t, errors.Annotate(err, "token fields")
	}
	t.Resource = q.Get("sr")
	t.Sig = q.Get("sig")
	t.KeyName = q.Get("skn")
	if t.Resource == "" || t.Sig == "" {
		return t, errors.NotValidf("token without sr or sig")
	}
	if t.Expiry, err = strconv.ParseInt(q.Get("se"), 10, 64); err != nil {
		return t, errors.Annotate(err, "token se")
	}
	return t, nil
}
