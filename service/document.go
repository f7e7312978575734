package service

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"github.com/gabriielgouvea/AssinaGym/config"
	"github.com/gabriielgouvea/AssinaGym/model"
	"github.com/go-pdf/fpdf"
	"golang.org/x/text/unicode/norm"
)

const (
	requestDateLayout = "02/01/2006"
	auditTimeLayout   = "02/01/2006 às 15:04:05 (MST)"

	// maxSignatureHeightMM keeps tall signature images on the first page.
	maxSignatureHeightMM = 45.0
)

// DocumentError wraps any failure while building or writing a document.
type DocumentError struct {
	Op  string
	Err error
}

func (e *DocumentError) Error() string {
	return fmt.Sprintf("document %s: %v", e.Op, e.Err)
}

func (e *DocumentError) Unwrap() error { return e.Err }

// Composition is everything needed to render one cancellation request.
type Composition struct {
	Token         string
	Record        model.ClientRecord
	Motive        model.Motive
	FreeText      string
	SignaturePath string
	Audit         model.AuditTrail
	RequestDate   time.Time
}

// legalFields are the variables available to the legal text template.
type legalFields struct {
	Name                  string
	NationalID            string
	MemberID              string
	ContractStart         string
	Penalty               string
	Organization          string
	OrganizationLegalName string
	OrganizationTaxID     string
}

// DocumentComposer renders cancellation requests as PDF files.
type DocumentComposer struct {
	cfg       config.DocumentConfig
	outputDir string
	legal     *template.Template
	loc       *time.Location
}

func NewDocumentComposer(cfg config.DocumentConfig, outputDir string) (*DocumentComposer, error) {
	legal, err := template.New("legal").Option("missingkey=error").Parse(cfg.LegalTemplate)
	if err != nil {
		return nil, fmt.Errorf("parse legal template: %w", err)
	}
	// Unknown fields only fail on execution.
	if err := legal.Execute(io.Discard, legalFields{}); err != nil {
		return nil, fmt.Errorf("check legal template: %w", err)
	}
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone: %w", err)
	}
	if cfg.SignatureWidthMM <= 0 {
		cfg.SignatureWidthMM = 80
	}
	return &DocumentComposer{
		cfg:       cfg,
		outputDir: outputDir,
		legal:     legal,
		loc:       loc,
	}, nil
}

// Location is the timezone used for dates printed on documents.
func (c *DocumentComposer) Location() *time.Location {
	return c.loc
}

// Title is the heading printed on documents and the signing page.
func (c *DocumentComposer) Title() string {
	return c.cfg.Title
}

// Organization is the name printed in the document header.
func (c *DocumentComposer) Organization() string {
	return c.cfg.Organization
}

// DocumentFilename returns Cancelamento_<name>_<token>.pdf with spaces and
// path separators in the name replaced by underscores.
func DocumentFilename(name, token string) string {
	safe := strings.NewReplacer(" ", "_", "/", "_", "\\", "_").Replace(norm.NFC.String(strings.TrimSpace(name)))
	return fmt.Sprintf("Cancelamento_%s_%s.pdf", safe, token)
}

// Compose renders the document and writes it to the output directory.
// Nothing is written unless rendering succeeds.
func (c *DocumentComposer) Compose(in Composition) (*model.FinishedDocument, error) {
	if err := in.Record.Validate(); err != nil {
		return nil, &DocumentError{Op: "validate", Err: err}
	}
	if !in.Motive.Valid() {
		return nil, &DocumentError{Op: "validate", Err: fmt.Errorf("unknown motive %q", in.Motive)}
	}

	pdf, err := c.Render(in)
	if err != nil {
		return nil, err
	}

	filename := DocumentFilename(in.Record.Name, in.Token)
	finalPath := filepath.Join(c.outputDir, filename)

	tmp, err := os.CreateTemp(c.outputDir, ".pending-*.pdf")
	if err != nil {
		return nil, &DocumentError{Op: "write", Err: err}
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	hasher := sha256.New()
	counter := &countingWriter{}
	if err := pdf.Output(io.MultiWriter(tmp, hasher, counter)); err != nil {
		tmp.Close()
		return nil, &DocumentError{Op: "write", Err: err}
	}
	if err := tmp.Close(); err != nil {
		return nil, &DocumentError{Op: "write", Err: err}
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return nil, &DocumentError{Op: "write", Err: err}
	}

	return &model.FinishedDocument{
		Filename: filename,
		Path:     finalPath,
		SHA256:   hex.EncodeToString(hasher.Sum(nil)),
		Size:     counter.n,
	}, nil
}

// Render lays out the document in memory.
func (c *DocumentComposer) Render(in Composition) (*fpdf.Fpdf, error) {
	body, err := c.legalText(in.Record)
	if err != nil {
		return nil, &DocumentError{Op: "legal text", Err: err}
	}

	font := c.cfg.Font
	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(10, 10, 10)
	pdf.SetTitle(c.cfg.Title, true)
	pdf.SetCreator("AssinaGym", true)
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	pdf.AddPage()

	pdf.SetFont(font, "B", 16)
	pdf.CellFormat(0, 10, tr(c.cfg.Title), "", 1, "C", false, 0, "")
	pdf.SetFont(font, "B", 14)
	pdf.CellFormat(0, 10, tr(c.cfg.Organization), "", 1, "C", false, 0, "")
	pdf.Ln(10)

	pdf.SetFont(font, "", 12)
	pdf.MultiCell(0, 5, tr(body), "", "J", false)
	pdf.Ln(5)

	requestDate := in.RequestDate.In(c.loc).Format(requestDateLayout)
	pdf.CellFormat(0, 5, tr("DATA DA SOLICITAÇÃO: "+requestDate), "", 1, "", false, 0, "")
	pdf.CellFormat(0, 5, tr("CONSULTOR(A) RESPONSÁVEL: "+in.Record.Consultant), "", 1, "", false, 0, "")
	pdf.Ln(10)

	pdf.SetFont(font, "B", 12)
	pdf.CellFormat(0, 10, "MOTIVO:", "", 1, "", false, 0, "")
	pdf.SetFont(font, "", 11)
	for _, opt := range model.Motives {
		marker := "[ ]"
		if opt.Code == in.Motive {
			marker = "[X]"
		}
		pdf.CellFormat(0, 6, tr(marker+" "+opt.Label), "", 1, "", false, 0, "")
	}

	if other := otherText(in.Motive, in.FreeText); other != "" {
		left, _, _, _ := pdf.GetMargins()
		pdf.SetLeftMargin(left + 5)
		pdf.SetX(left + 5)
		pdf.MultiCell(0, 5, tr("      "+other), "", "L", false)
		pdf.SetLeftMargin(left)
	}
	pdf.Ln(10)

	pdf.CellFormat(0, 10, "ASSINATURA:", "", 1, "", false, 0, "")
	c.placeSignature(pdf, in.SignaturePath)

	pdf.Ln(10)
	pdf.SetFont(font, "B", 8)
	pdf.CellFormat(0, 5, "Trilha de Auditoria do Documento", "", 1, "C", false, 0, "")
	pdf.SetFont(font, "", 7)
	pdf.MultiCell(0, 4, tr(c.auditText(in.Audit)), "1", "C", false)

	if err := pdf.Error(); err != nil {
		return nil, &DocumentError{Op: "render", Err: err}
	}
	return pdf, nil
}

func (c *DocumentComposer) placeSignature(pdf *fpdf.Fpdf, path string) {
	opts := fpdf.ImageOptions{ReadDpi: false}
	info := pdf.RegisterImageOptions(path, opts)
	if info == nil || pdf.Err() {
		return
	}

	width := c.cfg.SignatureWidthMM
	iw, ih := info.Extent()
	if iw > 0 && width*ih/iw > maxSignatureHeightMM {
		width = maxSignatureHeightMM * iw / ih
	}
	pdf.ImageOptions(path, pdf.GetX(), pdf.GetY(), width, 0, true, opts, 0, "")
}

func (c *DocumentComposer) legalText(record model.ClientRecord) (string, error) {
	var buf bytes.Buffer
	err := c.legal.Execute(&buf, legalFields{
		Name:                  record.Name,
		NationalID:            record.NationalID,
		MemberID:              record.MemberID,
		ContractStart:         record.ContractStart,
		Penalty:               record.Penalty,
		Organization:          c.cfg.Organization,
		OrganizationLegalName: c.cfg.OrganizationLegalName,
		OrganizationTaxID:     c.cfg.OrganizationTaxID,
	})
	if err != nil {
		return "", err
	}
	return buf.String(), nil
}

func (c *DocumentComposer) auditText(audit model.AuditTrail) string {
	signedAt := audit.SignedAt.In(c.loc).Format(auditTimeLayout)
	return fmt.Sprintf("Documento assinado eletronicamente por %s em %s.\n"+
		"Endereço IP do signatário: %s.\n"+
		"Navegador / Sistema Operacional: %s",
		audit.SignerName, signedAt, audit.ClientIP, audit.UserAgent)
}

func otherText(motive model.Motive, freeText string) string {
	return model.FinalizationRequest{Motive: motive, FreeText: freeText}.OtherText()
}

type countingWriter struct {
	n int64
}

func (w *countingWriter) Write(p []byte) (int, error) {
	w.n += int64(len(p))
	return len(p), nil
}
