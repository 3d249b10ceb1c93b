package validation

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/agentbattle/internal/battle"
)

func TestIsValidSessionID(t *testing.T) {
	for id, want := range map[string]bool{
		"bs_0123456789abcdef01234567":  true,
		"bs_ffffffffffffffffffffffff":  true,
		"0123456789abcdef01234567":     false,
		"bs_0123456789abcdef0123456":   false,
		"bs_0123456789abcdef012345678": false,
		"bs_0123456789ABCDEF01234567":  false,
		"tx_0123456789abcdef01234567":  false,
		"":                             false,
	} {
		assert.Equal(t, want, IsValidSessionID(id), "%q", id)
	}
}

func TestSanitizeString(t *testing.T) {
	assert.Equal(t, "hello", SanitizeString("  hello  ", 10))
	assert.Equal(t, "hello", SanitizeString("hello world", 5))
	assert.Equal(t, "helloworld", SanitizeString("hello\x00world", 20))
	assert.Equal(t, "€€", SanitizeString("€€€", 2))
	assert.Equal(t, "héllo", SanitizeString("héllo", 5))
}

func TestMultiByteTextAtTheLimit(t *testing.T) {
	long := strings.Repeat("€", MaxStringLength)
	e := battle.Envelope{
		Type:           battle.KindDeliver,
		Description:    long,
		ProofReference: long,
		Reason:         long,
		Evidence:       long,
	}
	require.Empty(t, Envelope(e))

	cleaned := Clean(e)
	for _, s := range []string{cleaned.Description, cleaned.ProofReference, cleaned.Reason, cleaned.Evidence} {
		assert.True(t, utf8.ValidString(s))
		assert.Equal(t, long, s, "accepted text must reach the reducer unchanged")
	}

	over := battle.Envelope{Type: battle.KindDeliver, ProofReference: long + "€"}
	assert.Equal(t, "exceeds maximum length", fields(Envelope(over))["proofReference"])
}

func TestEnvelopeRejectsInvalidUTF8(t *testing.T) {
	errs := Envelope(battle.Envelope{Type: battle.KindRaiseDispute, Reason: "late\xe2\x82"})
	assert.Equal(t, "must be valid UTF-8 text", fields(errs)["reason"])
}

func fields(errs ValidationErrors) map[string]string {
	out := map[string]string{}
	for _, e := range errs {
		out[e.Field] = e.Message
	}
	return out
}

func TestEnvelopeAcceptsWellFormed(t *testing.T) {
	for _, e := range []battle.Envelope{
		{Type: battle.KindCounterOffer, Actor: "requester", Amount: "40"},
		{Type: battle.KindCreateTransaction, Actor: "REQUESTER", Amount: "12.500001", Deadline: "24h", DisputeWindow: " 90m ", MaxRounds: 5},
		{Type: battle.KindAdvanceClock, Actor: "system", Duration: "2h"},
		{Type: battle.KindCancel},
	} {
		assert.Empty(t, Envelope(e), "%+v", e)
	}
}

func TestEnvelopeReportsEveryField(t *testing.T) {
	errs := Envelope(battle.Envelope{
		Actor:         "nobody",
		Amount:        "-3",
		Description:   strings.Repeat("x", MaxStringLength+1),
		DisputeWindow: "soon",
		MaxRounds:     9,
	})

	got := fields(errs)
	assert.Equal(t, map[string]string{
		"type":          "is required",
		"actor":         "must be requester, provider or system",
		"amount":        "must be a positive amount with at most 6 decimals",
		"description":   "exceeds maximum length",
		"disputeWindow": "must be a duration such as 24h or 90m",
		"maxRounds":     "is above the maximum",
	}, got)
	assert.Equal(t, errs[0].Field+": "+errs[0].Message, errs.Error())
}

func TestEnvelopeAmountPrecision(t *testing.T) {
	assert.Empty(t, Envelope(battle.Envelope{Type: battle.KindQuote, Amount: "0.000001"}))
	assert.Contains(t, fields(Envelope(battle.Envelope{Type: battle.KindQuote, Amount: "0.0000001"})), "amount")
	assert.Contains(t, fields(Envelope(battle.Envelope{Type: battle.KindQuote, Amount: "0"})), "amount")
}

func TestClean(t *testing.T) {
	e := Clean(battle.Envelope{Description: "  label\x00 images ", Reason: strings.Repeat("r", MaxStringLength+10)})
	assert.Equal(t, "label images", e.Description)
	assert.Len(t, e.Reason, MaxStringLength)

	cut := Clean(battle.Envelope{Evidence: strings.Repeat("€", MaxStringLength+1)})
	assert.True(t, utf8.ValidString(cut.Evidence))
	assert.Equal(t, MaxStringLength, utf8.RuneCountInString(cut.Evidence))
}

func TestSessionParamMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/sessions/:id", SessionParamMiddleware(), func(c *gin.Context) { c.Status(http.StatusOK) })

	for path, code := range map[string]int{
		"/sessions/bs_0123456789abcdef01234567": http.StatusOK,
		"/sessions/not-a-session":               http.StatusBadRequest,
	} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, code, w.Code, path)
	}
}

func TestRequestSizeMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestSizeMiddleware(16))
	r.POST("/", func(c *gin.Context) {
		var e battle.Envelope
		if err := c.ShouldBindJSON(&e); err != nil {
			c.Status(http.StatusRequestEntityTooLarge)
			return
		}
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	body := `{"type":"CREATE_TRANSACTION","description":"far too long for the limit"}`
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body)))
	require.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}
