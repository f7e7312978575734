package cli

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"time"

	"github.com/gabriielgouvea/AssinaGym/config"
	"github.com/gabriielgouvea/AssinaGym/model"
	"github.com/gabriielgouvea/AssinaGym/service"
	"github.com/spf13/cobra"
)

type previewOptions struct {
	out      string
	motive   string
	freeText string
	record   model.ClientRecord
}

var previewOpts previewOptions

var previewCmd = &cobra.Command{
	Use:   "preview",
	Short: "Render a sample cancellation document",
	Long: `Render a cancellation document for made-up client data with a
generated signature, so layout and legal text changes can be checked
without going through the signing page.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if err := writePreview(cfg, previewOpts, time.Now()); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Preview written to %s\n", previewOpts.out)
		return nil
	},
}

func init() {
	f := previewCmd.Flags()
	f.StringVarP(&previewOpts.out, "out", "o", "preview.pdf", "output file")
	f.StringVar(&previewOpts.motive, "motive", string(model.MotiveMoved), "motive code to mark")
	f.StringVar(&previewOpts.freeText, "free-text", "", "text printed under the other motive")
	f.StringVar(&previewOpts.record.Name, "name", "Maria da Silva", "client name")
	f.StringVar(&previewOpts.record.NationalID, "national-id", "000.000.000-00", "client CPF")
	f.StringVar(&previewOpts.record.MemberID, "member-id", "0000", "membership number")
	f.StringVar(&previewOpts.record.ContractStart, "contract-start", "01/01/2024", "contract start date")
	f.StringVar(&previewOpts.record.Penalty, "penalty", "0.00", "early termination penalty")
	f.StringVar(&previewOpts.record.Consultant, "consultant", "Consultor", "responsible consultant")
	rootCmd.AddCommand(previewCmd)
}

func writePreview(cfg *config.Config, opts previewOptions, now time.Time) error {
	motive := model.Motive(opts.motive)
	if !motive.Valid() {
		return fmt.Errorf("unknown motive %q", opts.motive)
	}
	if err := opts.record.Validate(); err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.Storage.TempDir, 0o755); err != nil {
		return fmt.Errorf("create directory %s: %w", cfg.Storage.TempDir, err)
	}
	composer, err := service.NewDocumentComposer(cfg.Document, cfg.Storage.DocumentDir)
	if err != nil {
		return err
	}

	dataURL, err := sampleSignature()
	if err != nil {
		return err
	}
	sig, err := service.NewSignatureDecoder(cfg.Storage.TempDir).Decode("preview", dataURL)
	if err != nil {
		return err
	}
	defer sig.Release()

	pdf, err := composer.Render(service.Composition{
		Token:         "preview",
		Record:        opts.record,
		Motive:        motive,
		FreeText:      opts.freeText,
		SignaturePath: sig.Path,
		RequestDate:   now,
		Audit: model.AuditTrail{
			SignerName: opts.record.Name,
			SignedAt:   now,
			ClientIP:   "127.0.0.1",
			UserAgent:  "assinagym preview",
		},
	})
	if err != nil {
		return err
	}
	if err := pdf.OutputFileAndClose(opts.out); err != nil {
		return fmt.Errorf("write %s: %w", opts.out, err)
	}
	return nil
}

// sampleSignature draws a wavy stroke and returns it as a PNG data URL,
// the same shape a browser canvas posts.
func sampleSignature() (string, error) {
	const w, h = 300, 100
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.White)
		}
	}
	for x := 20; x < w-20; x++ {
		y := h/2 + int(25*math.Sin(float64(x)/18))
		for dy := -1; dy <= 1; dy++ {
			img.Set(x, y+dy, color.Black)
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", fmt.Errorf("encode sample signature: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
