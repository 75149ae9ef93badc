package label

import (
	"bytes"
	"encoding/base64"
	"image"
	"net/url"
	"os"

	"github.com/disintegration/imaging"
	"github.com/rotisserie/eris"
)

// ImageRef points at the image to label: a remote URL, a local file, or
// inline bytes. Exactly one of URL, Path or Data is set.
type ImageRef struct {
	URL       string
	Path      string
	Data      []byte
	MediaType string
}

// FromURL references a remote image the provider fetches itself.
func FromURL(u string) ImageRef { return ImageRef{URL: u} }

// FromFile references a local image that is sent inline.
func FromFile(path string) ImageRef { return ImageRef{Path: path} }

// FromBytes references image bytes already in memory.
func FromBytes(data []byte, mediaType string) ImageRef {
	return ImageRef{Data: data, MediaType: mediaType}
}

// IsRemote reports whether the provider should fetch the image by URL.
func (r ImageRef) IsRemote() bool { return r.URL != "" }

func (r ImageRef) String() string {
	switch {
	case r.URL != "":
		return r.URL
	case r.Path != "":
		return r.Path
	default:
		return "inline"
	}
}

// Validate checks that the reference is usable.
func (r ImageRef) Validate() error {
	switch {
	case r.URL != "":
		u, err := url.ParseRequestURI(r.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return &LabelError{Kind: KindInput, Err: eris.Errorf("label: invalid image url %q", r.URL)}
		}
	case r.Path != "", len(r.Data) > 0:
	default:
		return &LabelError{Kind: KindInput, Err: eris.New("label: empty image reference")}
	}
	return nil
}

// Inline loads a local image, downscales it so neither side exceeds maxPx
// (0 disables resizing) and re-encodes it as JPEG. It returns the media type
// and the base64 payload.
func (r ImageRef) Inline(maxPx int) (string, string, error) {
	var (
		img image.Image
		err error
	)
	switch {
	case r.Path != "":
		img, err = imaging.Open(r.Path)
	case len(r.Data) > 0:
		img, err = imaging.Decode(bytes.NewReader(r.Data))
	default:
		return "", "", &LabelError{Kind: KindInput, Err: eris.New("label: no local image data")}
	}
	if err != nil {
		if os.IsNotExist(err) {
			return "", "", &LabelError{Kind: KindInput, Err: eris.Wrapf(err, "label: open %s", r.Path)}
		}
		return "", "", &LabelError{Kind: KindInput, Err: eris.Wrapf(err, "label: decode %s", r)}
	}

	if maxPx > 0 {
		b := img.Bounds()
		if b.Dx() > maxPx || b.Dy() > maxPx {
			img = imaging.Fit(img, maxPx, maxPx, imaging.Lanczos)
		}
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return "", "", &LabelError{Kind: KindInput, Err: eris.Wrap(err, "label: encode jpeg")}
	}
	return "image/jpeg", base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// DataURI returns the image as a data: URI for providers that only accept URLs.
func (r ImageRef) DataURI(maxPx int) (string, error) {
	mediaType, data, err := r.Inline(maxPx)
	if err != nil {
		return "", err
	}
	return "data:" + mediaType + ";base64," + data, nil
}
