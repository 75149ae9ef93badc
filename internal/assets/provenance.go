package assets

import (
	"bytes"
	"io"
	"os"
	"strings"

	exif "github.com/dsoprea/go-exif/v3"
	exifcommon "github.com/dsoprea/go-exif/v3/common"
	exifundefined "github.com/dsoprea/go-exif/v3/undefined"
	jpegstructure "github.com/dsoprea/go-jpeg-image-structure/v2"
	"github.com/rotisserie/eris"
)

const (
	userCommentTag = "UserComment"
	exifIfdPath    = "IFD/Exif"

	// An APP1 segment holds at most 64KiB including the IFD structure.
	maxProvenanceLen = 32 << 10
)

var jpegSOI = []byte{0xFF, 0xD8}

// EmbedProvenance stores sourceURL as the EXIF UserComment of a JPEG,
// creating the EXIF segment when the image has none.
func EmbedProvenance(jpeg []byte, sourceURL string) ([]byte, error) {
	if len(sourceURL) > maxProvenanceLen {
		return nil, eris.Errorf("assets: provenance url too long (%d bytes)", len(sourceURL))
	}
	sl, err := parseJPEG(jpeg)
	if err != nil {
		return nil, err
	}

	rootIb, err := sl.ConstructExifBuilder()
	if err != nil {
		// No EXIF segment yet.
		if rootIb, err = newRootIfdBuilder(); err != nil {
			return nil, err
		}
	}

	exifIb, err := exif.GetOrCreateIbFromRootIb(rootIb, exifIfdPath)
	if err != nil {
		return nil, eris.Wrap(err, "assets: exif ifd")
	}
	comment := exifundefined.Tag9286UserComment{
		EncodingType:  exifundefined.TagUndefinedType_9286_UserComment_Encoding_ASCII,
		EncodingBytes: []byte(sourceURL),
	}
	if err := exifIb.SetStandardWithName(userCommentTag, comment); err != nil {
		return nil, eris.Wrap(err, "assets: set user comment")
	}
	if err := sl.SetExif(rootIb); err != nil {
		return nil, eris.Wrap(err, "assets: set exif")
	}

	var buf bytes.Buffer
	if err := sl.Write(&buf); err != nil {
		return nil, eris.Wrap(err, "assets: write jpeg")
	}
	return buf.Bytes(), nil
}

// ReadProvenance returns the EXIF UserComment of the JPEG in r, or "" when
// the image carries none.
func ReadProvenance(r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", eris.Wrap(err, "assets: read jpeg")
	}
	sl, err := parseJPEG(data)
	if err != nil {
		return "", err
	}

	rootIfd, _, err := sl.Exif()
	if err != nil {
		// No EXIF segment.
		return "", nil
	}
	exifIfd, err := rootIfd.ChildWithIfdPath(exifcommon.IfdExifStandardIfdIdentity)
	if err != nil {
		return "", nil
	}
	entries, err := exifIfd.FindTagWithName(userCommentTag)
	if err != nil || len(entries) == 0 {
		return "", nil
	}

	v, err := entries[0].Value()
	if err != nil {
		return "", eris.Wrap(err, "assets: decode user comment")
	}
	switch uc := v.(type) {
	case exifundefined.Tag9286UserComment:
		return strings.TrimRight(string(uc.EncodingBytes), "\x00 "), nil
	case *exifundefined.Tag9286UserComment:
		return strings.TrimRight(string(uc.EncodingBytes), "\x00 "), nil
	default:
		return "", nil
	}
}

// ReadProvenanceFile opens path and calls ReadProvenance.
func ReadProvenanceFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", eris.Wrapf(err, "assets: open %s", path)
	}
	defer f.Close() //nolint:errcheck
	return ReadProvenance(f)
}

func parseJPEG(data []byte) (*jpegstructure.SegmentList, error) {
	if !bytes.HasPrefix(data, jpegSOI) {
		return nil, eris.New("assets: not a jpeg stream")
	}
	mc, err := jpegstructure.NewJpegMediaParser().ParseBytes(data)
	if err != nil {
		return nil, eris.Wrap(err, "assets: parse jpeg")
	}
	sl, ok := mc.(*jpegstructure.SegmentList)
	if !ok {
		return nil, eris.New("assets: unexpected jpeg parse result")
	}
	return sl, nil
}

func newRootIfdBuilder() (*exif.IfdBuilder, error) {
	im, err := exifcommon.NewIfdMappingWithStandard()
	if err != nil {
		return nil, eris.Wrap(err, "assets: ifd mapping")
	}
	return exif.NewIfdBuilder(im, exif.NewTagIndex(), exifcommon.IfdStandardIfdIdentity, exifcommon.EncodeDefaultByteOrder), nil
}
