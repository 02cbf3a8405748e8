package ocr

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"net/http"
	"strings"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"

	"github.com/facturaIA/invoice-pipeline/internal/models"
)

var supportedTypes = map[string]bool{
	models.MediaTypePDF:  true,
	models.MediaTypePNG:  true,
	models.MediaTypeJPEG: true,
	models.MediaTypeGIF:  true,
	models.MediaTypeBMP:  true,
	models.MediaTypeTIFF: true,
}

var typeAliases = map[string]string{
	"image/jpg":         models.MediaTypeJPEG,
	"image/pjpeg":       models.MediaTypeJPEG,
	"image/x-ms-bmp":    models.MediaTypeBMP,
	"image/x-bmp":       models.MediaTypeBMP,
	"image/tif":         models.MediaTypeTIFF,
	"application/x-pdf": models.MediaTypePDF,
}

// ResolveMediaType picks the media type of doc: the declared type wins, then the
// filename extension, then content sniffing.
func ResolveMediaType(doc models.RawDocument) (string, error) {
	mt := normalizeMediaType(doc.MediaType)
	if mt == "" || mt == "application/octet-stream" {
		mt = models.MediaTypeFromFilename(doc.Filename)
	}
	if mt == "" && len(doc.Data) > 0 {
		mt = normalizeMediaType(http.DetectContentType(doc.Data))
	}
	if !supportedTypes[mt] {
		if mt == "" {
			mt = "unknown"
		}
		return "", newError(ReasonUnsupportedFormat, "detect", nil, fmt.Sprintf("unsupported file type: %s", mt))
	}
	return mt, nil
}

func normalizeMediaType(mt string) string {
	mt = strings.ToLower(strings.TrimSpace(mt))
	if i := strings.Index(mt, ";"); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	if alias, ok := typeAliases[mt]; ok {
		return alias
	}
	return mt
}

func decodeImage(data []byte) (image.Image, string, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", newError(ReasonCorruptDocument, "decode", err, "invalid image format")
	}
	b := img.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return nil, "", newError(ReasonCorruptDocument, "decode", nil, "invalid image dimensions")
	}
	return img, format, nil
}
