package handler

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/gabriielgouvea/AssinaGym/config"
	"github.com/gabriielgouvea/AssinaGym/model"
	"github.com/gabriielgouvea/AssinaGym/service"
	"github.com/gabriielgouvea/AssinaGym/web"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testBaseURL = "https://assinagym.example.com"

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeArchiver struct {
	mu       sync.Mutex
	archived []string
	err      error
}

func (a *fakeArchiver) Archive(_ context.Context, doc *model.FinishedDocument) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.archived = append(a.archived, doc.Filename)
	if a.err != nil {
		return "", a.err
	}
	return "memory://documents/" + doc.Filename, nil
}

type signingFixture struct {
	router      *gin.Engine
	handler     *SigningHandler
	store       *service.MemorySessionStore
	archiver    *fakeArchiver
	documentDir string
	tempDir     string
}

func newSigningFixture(t *testing.T, opts ...func(*config.DocumentConfig)) *signingFixture {
	t.Helper()
	documentDir := t.TempDir()
	tempDir := t.TempDir()

	docCfg := config.Default().Document
	for _, opt := range opts {
		opt(&docCfg)
	}
	composer, err := service.NewDocumentComposer(docCfg, documentDir)
	require.NoError(t, err)

	store := service.NewMemorySessionStore(0, 0)
	archiver := &fakeArchiver{}
	h := NewSigningHandler(store, composer, service.NewSignatureDecoder(tempDir), archiver, testBaseURL+"/", documentDir)
	h.now = func() time.Time { return time.Date(2026, 3, 10, 17, 4, 5, 0, time.UTC) }

	router := gin.New()
	router.SetHTMLTemplate(web.Templates())
	h.RegisterRoutes(router)
	health := NewHealthHandler(store)
	router.GET("/", health.Index)
	router.GET("/health", health.Health)

	return &signingFixture{
		router:      router,
		handler:     h,
		store:       store,
		archiver:    archiver,
		documentDir: documentDir,
		tempDir:     tempDir,
	}
}

func (f *signingFixture) do(method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, _ := json.Marshal(b)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *signingFixture) createLink(t *testing.T, record model.ClientRecord) string {
	t.Helper()
	w := f.do("POST", "/api/signing-links", record, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	link := resp["signing_link"]
	require.True(t, strings.HasPrefix(link, testBaseURL+"/sign/"), link)
	return strings.TrimPrefix(link, testBaseURL+"/sign/")
}

func (f *signingFixture) finalize(t *testing.T, token string, req any, headers map[string]string) (int, model.FinalizationResponse) {
	t.Helper()
	w := f.do("POST", "/sign/"+token+"/finalize", req, headers)
	var resp model.FinalizationResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return w.Code, resp
}

func (f *signingFixture) documents(t *testing.T) []string {
	t.Helper()
	entries, err := os.ReadDir(f.documentDir)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func anaSilva() model.ClientRecord {
	return model.ClientRecord{
		Name:          "Ana Silva",
		NationalID:    "123.456.789-00",
		MemberID:      "999",
		ContractStart: "01/01/2024",
		Penalty:       "50.00",
		Consultant:    "Bob",
	}
}

func signatureDataURL(t *testing.T) string {
	t.Helper()
	return sizedSignatureDataURL(t, 60, 20)
}

func sizedSignatureDataURL(t *testing.T, w, h int) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		img.Set(x, h/2, color.Black)
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes())
}

func TestCreateLink(t *testing.T) {
	f := newSigningFixture(t)

	token := f.createLink(t, anaSilva())
	assert.Len(t, token, 22)

	session, err := f.store.Get(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, anaSilva(), session.Record)

	other := f.createLink(t, anaSilva())
	assert.NotEqual(t, token, other)
}

func TestCreateLinkNumericFields(t *testing.T) {
	f := newSigningFixture(t)

	w := f.do("POST", "/api/signing-links", `{
		"name": "Ana Silva",
		"national_id": "123.456.789-00",
		"member_id": 999,
		"contract_start": "01/01/2024",
		"penalty": 50.00,
		"consultant": "Bob"
	}`, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	token := strings.TrimPrefix(resp["signing_link"], testBaseURL+"/sign/")

	session, err := f.store.Get(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "999", session.Record.MemberID)
	assert.Equal(t, "50.00", session.Record.Penalty)
	assert.Equal(t, anaSilva(), session.Record)

	w = f.do("POST", "/api/signing-links", `{"name": "Ana Silva", "penalty": {"value": 50}}`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateLinkMalformedJSON(t *testing.T) {
	f := newSigningFixture(t)

	w := f.do("POST", "/api/signing-links", "{not json", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.JSONEq(t, `{"success":false,"message":"Requisição inválida."}`, w.Body.String())

	count, err := f.store.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestSigningPage(t *testing.T) {
	f := newSigningFixture(t)
	token := f.createLink(t, anaSilva())

	w := f.do("GET", "/sign/"+token, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/html")

	body := w.Body.String()
	for _, want := range []string{"Ana Silva", "123.456.789-00", "999", "01/01/2024", "50.00", "Bob", "10/03/2026", "IRONBERG", token} {
		assert.Contains(t, body, want)
	}
	for _, opt := range model.Motives {
		assert.Contains(t, body, string(opt.Code))
		assert.Contains(t, body, opt.Label)
	}
	assert.NotContains(t, body, "{{")
	assert.Contains(t, body, "<h1>SOLICITAÇÃO DE NÃO RENOVAÇÃO DE CONTRATO</h1>")
	assert.Contains(t, body, `maxlength="250"`)
}

func TestSigningPageConfiguredTitle(t *testing.T) {
	f := newSigningFixture(t, func(d *config.DocumentConfig) {
		d.Title = "PEDIDO DE CANCELAMENTO"
	})
	token := f.createLink(t, anaSilva())

	w := f.do("GET", "/sign/"+token, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "<h1>PEDIDO DE CANCELAMENTO</h1>")
	assert.NotContains(t, w.Body.String(), "NÃO RENOVAÇÃO")
}

func TestSigningPageUnknownToken(t *testing.T) {
	f := newSigningFixture(t)

	w := f.do("GET", "/sign/does-not-exist", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, msgInvalidLink, w.Body.String())
}

func TestFinalizeEndToEnd(t *testing.T) {
	f := newSigningFixture(t)
	token := f.createLink(t, anaSilva())

	code, resp := f.finalize(t, token, model.FinalizationRequest{
		Motive:    model.MotiveMoved,
		Signature: sizedSignatureDataURL(t, 1, 1),
	}, map[string]string{
		"User-Agent":      "Mozilla/5.0 (X11; Linux x86_64)",
		"X-Forwarded-For": "203.0.113.7",
	})

	require.Equal(t, http.StatusOK, code, resp.Message)
	assert.True(t, resp.Success)
	assert.Equal(t, msgSigned, resp.Message)
	filename := "Cancelamento_Ana_Silva_" + token + ".pdf"
	assert.Equal(t, "/documents/"+filename, resp.DocumentURL)

	assert.Equal(t, []string{filename}, f.documents(t))
	scratch, err := os.ReadDir(f.tempDir)
	require.NoError(t, err)
	assert.Empty(t, scratch, "signature scratch file must be removed")
	assert.Equal(t, []string{filename}, f.archiver.archived)

	count, err := f.store.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, count)

	w := f.do("GET", resp.DocumentURL, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/pdf", w.Header().Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(w.Body.Bytes(), []byte("%PDF-")))

	// the link is single use
	code, resp = f.finalize(t, token, model.FinalizationRequest{
		Motive:    model.MotiveMoved,
		Signature: signatureDataURL(t),
	}, nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.False(t, resp.Success)
	assert.Equal(t, msgInvalidToken, resp.Message)

	w = f.do("GET", "/sign/"+token, nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestFinalizeEscapesDocumentURL(t *testing.T) {
	f := newSigningFixture(t)
	record := anaSilva()
	record.Name = "Ana #2 Silva?%"
	token := f.createLink(t, record)

	code, resp := f.finalize(t, token, model.FinalizationRequest{
		Motive:    model.MotiveMoved,
		Signature: signatureDataURL(t),
	}, nil)
	require.Equal(t, http.StatusOK, code, resp.Message)

	filename := "Cancelamento_Ana_#2_Silva?%_" + token + ".pdf"
	assert.Equal(t, []string{filename}, f.documents(t))
	assert.Equal(t, "/documents/"+url.PathEscape(filename), resp.DocumentURL)
	assert.NotContains(t, resp.DocumentURL, "#")
	assert.NotContains(t, resp.DocumentURL, "?")

	w := f.do("GET", resp.DocumentURL, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, bytes.HasPrefix(w.Body.Bytes(), []byte("%PDF-")))
}

func TestFinalizeFreeTextAtLimit(t *testing.T) {
	f := newSigningFixture(t)
	token := f.createLink(t, anaSilva())

	code, resp := f.finalize(t, token, model.FinalizationRequest{
		Motive:    model.MotiveOther,
		FreeText:  strings.Repeat("ç", model.MaxFreeTextRunes),
		Signature: signatureDataURL(t),
	}, nil)
	assert.Equal(t, http.StatusOK, code, resp.Message)
	assert.True(t, resp.Success)
}

func TestFinalizeOtherMotive(t *testing.T) {
	f := newSigningFixture(t)
	token := f.createLink(t, anaSilva())

	code, resp := f.finalize(t, token, model.FinalizationRequest{
		Motive:    model.MotiveOther,
		FreeText:  "vou viajar",
		Signature: signatureDataURL(t),
	}, nil)
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, resp.Success)
}

func TestFinalizeUnknownToken(t *testing.T) {
	f := newSigningFixture(t)

	code, resp := f.finalize(t, "nope", model.FinalizationRequest{
		Motive:    model.MotiveHealth,
		Signature: signatureDataURL(t),
	}, nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, msgInvalidToken, resp.Message)
	assert.Empty(t, f.documents(t))
}

func TestFinalizeSignatureErrors(t *testing.T) {
	tests := []struct {
		name      string
		signature string
	}{
		{"empty", ""},
		{"not a data url", "hello"},
		{"bad base64", "data:image/png;base64,!!!"},
		{"not an image", "data:image/png;base64," + base64.StdEncoding.EncodeToString([]byte("plain text"))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newSigningFixture(t)
			token := f.createLink(t, anaSilva())

			code, resp := f.finalize(t, token, model.FinalizationRequest{
				Motive:    model.MotiveFinancial,
				Signature: tt.signature,
			}, nil)
			assert.Equal(t, http.StatusInternalServerError, code)
			assert.False(t, resp.Success)
			assert.Equal(t, msgSignatureFailed, resp.Message)

			assert.Empty(t, f.documents(t))
			scratch, err := os.ReadDir(f.tempDir)
			require.NoError(t, err)
			assert.Empty(t, scratch)

			// the signer can retry
			w := f.do("GET", "/sign/"+token, nil, nil)
			assert.Equal(t, http.StatusOK, w.Code)
		})
	}
}

func TestFinalizeBadRequest(t *testing.T) {
	tests := []struct {
		name    string
		body    any
		message string
	}{
		{"malformed json", "{", msgInvalidRequest},
		{"unknown motive", map[string]string{"motive": "sem_motivo", "signature": "x"}, msgInvalidMotive},
		{"missing motive", map[string]string{"signature": "x"}, msgInvalidMotive},
		{"free text too long", map[string]string{
			"motive":    string(model.MotiveOther),
			"free_text": strings.Repeat("a", model.MaxFreeTextRunes+1),
			"signature": "x",
		}, msgFreeTextTooLong},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newSigningFixture(t)
			token := f.createLink(t, anaSilva())

			code, resp := f.finalize(t, token, tt.body, nil)
			assert.Equal(t, http.StatusBadRequest, code)
			assert.Equal(t, tt.message, resp.Message)

			_, err := f.store.Get(context.Background(), token)
			assert.NoError(t, err, "session must survive a rejected request")
		})
	}
}

func TestFinalizeMissingRecordFields(t *testing.T) {
	f := newSigningFixture(t)
	record := anaSilva()
	record.Penalty = ""
	token := f.createLink(t, record)

	code, resp := f.finalize(t, token, model.FinalizationRequest{
		Motive:    model.MotiveHealth,
		Signature: signatureDataURL(t),
	}, nil)
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, msgDocumentFailed, resp.Message)
	assert.Empty(t, f.documents(t))

	_, err := f.store.Get(context.Background(), token)
	assert.NoError(t, err)
}

func TestFinalizeConcurrent(t *testing.T) {
	f := newSigningFixture(t)
	token := f.createLink(t, anaSilva())
	req := model.FinalizationRequest{Motive: model.MotiveReception, Signature: signatureDataURL(t)}

	const workers = 8
	codes := make(chan int, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			codes <- f.do("POST", "/sign/"+token+"/finalize", req, nil).Code
		}()
	}
	wg.Wait()
	close(codes)

	counts := map[int]int{}
	for code := range codes {
		counts[code]++
	}
	assert.Equal(t, 1, counts[http.StatusOK])
	assert.Equal(t, workers-1, counts[http.StatusNotFound])
	assert.Len(t, f.documents(t), 1)
}

func TestFinalizeArchiveFailure(t *testing.T) {
	f := newSigningFixture(t)
	f.archiver.err = errors.New("bucket unavailable")
	token := f.createLink(t, anaSilva())

	code, resp := f.finalize(t, token, model.FinalizationRequest{
		Motive:    model.MotiveTeachers,
		Signature: signatureDataURL(t),
	}, nil)
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, resp.Success)
	assert.Len(t, f.archiver.archived, 1)
	assert.Len(t, f.documents(t), 1)
}

func TestFinalizeWithoutArchiver(t *testing.T) {
	f := newSigningFixture(t)
	f.handler.archiver = nil
	token := f.createLink(t, anaSilva())

	code, _ := f.finalize(t, token, model.FinalizationRequest{
		Motive:    model.MotiveTeachers,
		Signature: signatureDataURL(t),
	}, nil)
	assert.Equal(t, http.StatusOK, code)
}

func TestAuditTrail(t *testing.T) {
	h := &SigningHandler{now: func() time.Time { return time.Unix(0, 0) }}

	tests := []struct {
		name           string
		trustedProxies []string
		forwardedFor   string
		userAgent      string
		wantIP         string
		wantUA         string
	}{
		{"direct", nil, "", "curl/8.0", "192.0.2.1", "curl/8.0"},
		{"forwarded", nil, "203.0.113.7, 10.0.0.1", "", "203.0.113.7", unknownUserAgent},
		{"untrusted proxy", []string{"10.0.0.0/8"}, "203.0.113.7", "x", "192.0.2.1", "x"},
		{"long user agent", nil, "", strings.Repeat("W", 1000), "192.0.2.1",
			strings.Repeat("W", model.MaxUserAgentRunes-1) + "…"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, engine := gin.CreateTestContext(httptest.NewRecorder())
			if tt.trustedProxies != nil {
				require.NoError(t, engine.SetTrustedProxies(tt.trustedProxies))
			}
			c.Request = httptest.NewRequest("POST", "/sign/x/finalize", nil)
			if tt.forwardedFor != "" {
				c.Request.Header.Set("X-Forwarded-For", tt.forwardedFor)
			}
			if tt.userAgent != "" {
				c.Request.Header.Set("User-Agent", tt.userAgent)
			}

			audit := h.auditTrail(c, "Ana Silva")
			assert.Equal(t, "Ana Silva", audit.SignerName)
			assert.Equal(t, tt.wantIP, audit.ClientIP)
			assert.Equal(t, tt.wantUA, audit.UserAgent)
			assert.LessOrEqual(t, utf8.RuneCountInString(audit.UserAgent), model.MaxUserAgentRunes)
		})
	}
}

func TestDocumentNotServable(t *testing.T) {
	f := newSigningFixture(t)
	require.NoError(t, os.WriteFile(filepath.Join(f.documentDir, ".pending-1.pdf"), []byte("%PDF-"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(f.documentDir, "folder.pdf"), 0o755))

	for _, path := range []string{
		"/documents/missing.pdf",
		"/documents/.pending-1.pdf",
		"/documents/folder.pdf",
		"/documents/..%2F..%2Fetc%2Fpasswd",
	} {
		w := f.do("GET", path, nil, nil)
		assert.Equal(t, http.StatusNotFound, w.Code, path)
	}
}
