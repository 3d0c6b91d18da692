package compositor

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"strings"

	"github.com/disintegration/imaging"
)

// Anchor names where the watermark is placed on the source
type Anchor string

const (
	AnchorCenter      Anchor = "center"
	AnchorTopLeft     Anchor = "top-left"
	AnchorTopRight    Anchor = "top-right"
	AnchorBottomLeft  Anchor = "bottom-left"
	AnchorBottomRight Anchor = "bottom-right"
)

// ErrUndecodable is wrapped by CompositionError when an input is not an image
var ErrUndecodable = errors.New("image is not decodable")

// CompositionError reports which input could not be composed
type CompositionError struct {
	Input string // "source" or "watermark"
	Err   error
}

func (e *CompositionError) Error() string {
	return fmt.Sprintf("compose %s: %v", e.Input, e.Err)
}

func (e *CompositionError) Unwrap() error {
	return e.Err
}

// Placement is the fixed overlay policy. The zero value centers the watermark
// at its natural size and full opacity.
type Placement struct {
	Anchor Anchor
	// Margin in pixels from the anchored edges; ignored for center
	Margin int
	// Opacity in [0,1]; 0 means fully opaque
	Opacity float64
	// Scale sets the watermark width as a fraction of the source width; 0 keeps natural size
	Scale float64
}

// ParseAnchor accepts the names above, case-insensitively
func ParseAnchor(s string) (Anchor, error) {
	a := Anchor(strings.ToLower(strings.TrimSpace(s)))
	switch a {
	case "":
		return AnchorCenter, nil
	case AnchorCenter, AnchorTopLeft, AnchorTopRight, AnchorBottomLeft, AnchorBottomRight:
		return a, nil
	}
	return "", fmt.Errorf("unknown watermark anchor %q", s)
}

// Result is an encoded derivative
type Result struct {
	Bytes       []byte
	Format      string
	ContentType string
}

// Compositor overlays a watermark onto source images
type Compositor struct {
	placement   Placement
	jpegQuality int
}

// New creates a compositor with a fixed placement policy
func New(placement Placement, jpegQuality int) *Compositor {
	if placement.Anchor == "" {
		placement.Anchor = AnchorCenter
	}
	if placement.Opacity <= 0 || placement.Opacity > 1 {
		placement.Opacity = 1
	}
	if jpegQuality <= 0 || jpegQuality > 100 {
		jpegQuality = 90
	}
	return &Compositor{placement: placement, jpegQuality: jpegQuality}
}

// Compose overlays watermark onto source and encodes the result in the source's format.
func (c *Compositor) Compose(source, watermark []byte) (*Result, error) {
	_, formatName, err := image.DecodeConfig(bytes.NewReader(source))
	if err != nil {
		return nil, &CompositionError{Input: "source", Err: fmt.Errorf("%w: %v", ErrUndecodable, err)}
	}
	format, err := imaging.FormatFromExtension(formatName)
	if err != nil {
		return nil, &CompositionError{Input: "source", Err: fmt.Errorf("%w: unsupported format %s", ErrUndecodable, formatName)}
	}

	src, err := imaging.Decode(bytes.NewReader(source), imaging.AutoOrientation(true))
	if err != nil {
		return nil, &CompositionError{Input: "source", Err: fmt.Errorf("%w: %v", ErrUndecodable, err)}
	}
	wm, err := imaging.Decode(bytes.NewReader(watermark))
	if err != nil {
		return nil, &CompositionError{Input: "watermark", Err: fmt.Errorf("%w: %v", ErrUndecodable, err)}
	}

	if c.placement.Scale > 0 {
		width := int(float64(src.Bounds().Dx()) * c.placement.Scale)
		if width > 0 {
			wm = imaging.Resize(wm, width, 0, imaging.Lanczos)
		}
	}

	pos := c.position(src.Bounds(), wm.Bounds())
	out := imaging.Overlay(src, wm, pos, c.placement.Opacity)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, out, format, imaging.JPEGQuality(c.jpegQuality)); err != nil {
		return nil, &CompositionError{Input: "source", Err: fmt.Errorf("encode %s: %w", formatName, err)}
	}

	return &Result{
		Bytes:       buf.Bytes(),
		Format:      formatName,
		ContentType: contentType(format),
	}, nil
}

func (c *Compositor) position(src, wm image.Rectangle) image.Point {
	m := c.placement.Margin
	switch c.placement.Anchor {
	case AnchorTopLeft:
		return image.Pt(m, m)
	case AnchorTopRight:
		return image.Pt(src.Dx()-wm.Dx()-m, m)
	case AnchorBottomLeft:
		return image.Pt(m, src.Dy()-wm.Dy()-m)
	case AnchorBottomRight:
		return image.Pt(src.Dx()-wm.Dx()-m, src.Dy()-wm.Dy()-m)
	default:
		return image.Pt((src.Dx()-wm.Dx())/2, (src.Dy()-wm.Dy())/2)
	}
}

func contentType(f imaging.Format) string {
	switch f {
	case imaging.JPEG:
		return "image/jpeg"
	case imaging.PNG:
		return "image/png"
	case imaging.GIF:
		return "image/gif"
	case imaging.TIFF:
		return "image/tiff"
	case imaging.BMP:
		return "image/bmp"
	}
	return "application/octet-stream"
}
