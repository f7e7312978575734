package handler

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gabriielgouvea/AssinaGym/model"
	"github.com/gabriielgouvea/AssinaGym/pkg/logger"
	"github.com/gabriielgouvea/AssinaGym/service"
	"github.com/gin-gonic/gin"
)

const (
	msgInvalidLink      = "Link de assinatura inválido ou expirado."
	msgInvalidToken     = "Token inválido."
	msgInvalidRequest   = "Requisição inválida."
	msgInvalidMotive    = "Motivo de cancelamento inválido."
	msgFreeTextTooLong  = "A descrição do motivo é muito longa."
	msgLinkFailed       = "Erro interno ao gerar o link de assinatura."
	msgSignatureFailed  = "Erro ao processar a imagem da assinatura."
	msgDocumentFailed   = "Erro interno ao gerar o documento PDF."
	msgSigned           = "Documento assinado com sucesso!"
	msgDocumentNotFound = "Documento não encontrado."
	unknownUserAgent    = "Não informado"
)

type SigningHandler struct {
	store       service.SessionStore
	composer    *service.DocumentComposer
	decoder     *service.SignatureDecoder
	archiver    service.DocumentArchiver
	baseURL     string
	documentDir string
	now         func() time.Time
}

// NewSigningHandler wires the signing flow. archiver may be nil.
func NewSigningHandler(
	store service.SessionStore,
	composer *service.DocumentComposer,
	decoder *service.SignatureDecoder,
	archiver service.DocumentArchiver,
	baseURL string,
	documentDir string,
) *SigningHandler {
	return &SigningHandler{
		store:       store,
		composer:    composer,
		decoder:     decoder,
		archiver:    archiver,
		baseURL:     strings.TrimRight(baseURL, "/"),
		documentDir: documentDir,
		now:         time.Now,
	}
}

// RegisterRoutes mounts the signing flow on r.
func (h *SigningHandler) RegisterRoutes(r gin.IRouter) {
	r.POST("/api/signing-links", h.CreateLink)
	r.GET("/sign/:token", h.SigningPage)
	r.POST("/sign/:token/finalize", h.Finalize)
	r.GET("/documents/:filename", h.Document)
}

// CreateLink stores the client record under a fresh token and returns
// the signing URL.
func (h *SigningHandler) CreateLink(c *gin.Context) {
	ctx := c.Request.Context()

	var record model.ClientRecord
	if err := c.ShouldBindJSON(&record); err != nil {
		fail(c, http.StatusBadRequest, msgInvalidRequest)
		return
	}

	token, err := service.NewToken()
	if err != nil {
		logger.Error(ctx, "failed to generate token", "error", err)
		fail(c, http.StatusInternalServerError, msgLinkFailed)
		return
	}
	ctx = logger.WithSession(ctx, token)

	session := &model.PendingSession{
		Token:     token,
		Record:    record,
		CreatedAt: h.now(),
	}
	if err := h.store.Put(ctx, session); err != nil {
		logger.Error(ctx, "failed to store signing session", "error", err)
		fail(c, http.StatusInternalServerError, msgLinkFailed)
		return
	}

	logger.Info(ctx, "signing link created")
	c.JSON(http.StatusOK, gin.H{"signing_link": h.baseURL + "/sign/" + token})
}

// SigningPage renders the form for a pending session.
func (h *SigningHandler) SigningPage(c *gin.Context) {
	token := c.Param("token")
	ctx := logger.WithSession(c.Request.Context(), token)

	session, err := h.store.Get(ctx, token)
	if err != nil {
		if errors.Is(err, service.ErrSessionNotFound) {
			c.String(http.StatusNotFound, msgInvalidLink)
			return
		}
		logger.Error(ctx, "failed to load signing session", "error", err)
		c.String(http.StatusInternalServerError, msgInvalidLink)
		return
	}

	c.HTML(http.StatusOK, "sign.html", gin.H{
		"Token":        token,
		"Record":       session.Record,
		"RequestDate":  h.now().In(h.composer.Location()).Format("02/01/2006"),
		"Motives":      model.Motives,
		"OtherMotive":  model.MotiveOther,
		"FinalizeURL":  "/sign/" + token + "/finalize",
		"Title":        h.composer.Title(),
		"Organization": h.composer.Organization(),
		"FreeTextMax":  model.MaxFreeTextRunes,
	})
}

// Finalize builds the signed document. The session is consumed only when
// the document is written; on any failure the link stays valid.
func (h *SigningHandler) Finalize(c *gin.Context) {
	token := c.Param("token")
	ctx := logger.WithSession(c.Request.Context(), token)

	session, err := h.store.Take(ctx, token)
	if err != nil {
		if errors.Is(err, service.ErrSessionNotFound) {
			logger.Warn(ctx, "finalize on unknown token")
			fail(c, http.StatusNotFound, msgInvalidToken)
			return
		}
		logger.Error(ctx, "failed to take signing session", "error", err)
		fail(c, http.StatusInternalServerError, msgDocumentFailed)
		return
	}

	consumed := false
	defer func() {
		if consumed {
			return
		}
		if err := h.store.Put(context.WithoutCancel(ctx), session); err != nil {
			logger.Error(ctx, "failed to restore signing session", "error", err)
		}
	}()

	var req model.FinalizationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, msgInvalidRequest)
		return
	}
	if !req.Motive.Valid() {
		fail(c, http.StatusBadRequest, msgInvalidMotive)
		return
	}
	if utf8.RuneCountInString(req.OtherText()) > model.MaxFreeTextRunes {
		fail(c, http.StatusBadRequest, msgFreeTextTooLong)
		return
	}

	audit := h.auditTrail(c, session.Record.Name)

	doc, err := h.buildDocument(ctx, session, req, audit)
	if err != nil {
		var sigErr *service.SignatureError
		if errors.As(err, &sigErr) {
			logger.Warn(ctx, "signature rejected", "error", err)
			fail(c, http.StatusInternalServerError, msgSignatureFailed)
			return
		}
		logger.Error(ctx, "document generation failed", "error", err)
		fail(c, http.StatusInternalServerError, msgDocumentFailed)
		return
	}
	consumed = true

	logger.Info(ctx, "document signed",
		"filename", doc.Filename,
		"sha256", doc.SHA256,
		"size", doc.Size,
		"motive", req.Motive,
		"client_ip", audit.ClientIP,
	)

	if h.archiver != nil {
		location, err := h.archiver.Archive(ctx, doc)
		if err != nil {
			logger.Warn(ctx, "failed to archive document", "filename", doc.Filename, "error", err)
		} else {
			logger.Info(ctx, "document archived", "filename", doc.Filename, "archive_url", location)
		}
	}

	c.JSON(http.StatusOK, model.FinalizationResponse{
		Success:     true,
		Message:     msgSigned,
		DocumentURL: "/documents/" + url.PathEscape(doc.Filename),
	})
}

// buildDocument decodes the signature into a scratch file that is removed
// on every return path, then composes the document around it.
func (h *SigningHandler) buildDocument(ctx context.Context, session *model.PendingSession, req model.FinalizationRequest, audit model.AuditTrail) (*model.FinishedDocument, error) {
	sig, err := h.decoder.Decode(session.Token, req.Signature)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := sig.Release(); err != nil {
			logger.Warn(ctx, "failed to remove signature file", "path", sig.Path, "error", err)
		}
	}()

	return h.composer.Compose(service.Composition{
		Token:         session.Token,
		Record:        session.Record,
		Motive:        req.Motive,
		FreeText:      req.FreeText,
		SignaturePath: sig.Path,
		Audit:         audit,
		RequestDate:   audit.SignedAt,
	})
}

// Document streams a finished document by filename.
func (h *SigningHandler) Document(c *gin.Context) {
	name := c.Param("filename")
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		c.String(http.StatusNotFound, msgDocumentNotFound)
		return
	}

	path := filepath.Join(h.documentDir, name)
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		c.String(http.StatusNotFound, msgDocumentNotFound)
		return
	}

	c.File(path)
}

// auditTrail captures the signer's network details. ClientIP honours
// X-Forwarded-For only from the engine's trusted proxies.
func (h *SigningHandler) auditTrail(c *gin.Context, signer string) model.AuditTrail {
	return model.AuditTrail{
		SignerName: signer,
		SignedAt:   h.now(),
		ClientIP:   c.ClientIP(),
		UserAgent:  userAgent(c),
	}
}

// userAgent returns the trimmed User-Agent, cut to MaxUserAgentRunes.
func userAgent(c *gin.Context) string {
	ua := strings.TrimSpace(c.Request.UserAgent())
	if ua == "" {
		return unknownUserAgent
	}
	if utf8.RuneCountInString(ua) > model.MaxUserAgentRunes {
		ua = string([]rune(ua)[:model.MaxUserAgentRunes-1]) + "…"
	}
	return ua
}

func fail(c *gin.Context, status int, message string) {
	c.JSON(status, model.FinalizationResponse{Message: message})
}
