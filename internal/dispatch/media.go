package dispatch

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"

	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/channels"
)

// downscaleMaxDim bounds the longest edge when an oversized image is
// re-encoded to fit the channel's media limit.
const downscaleMaxDim = 2048

var errMediaTooLarge = errors.New("media exceeds channel size limit")

// prepareMedia validates one outbound media item against the channel's size
// limit. Oversized images are downscaled into a temp file; anything else
// oversized is a permanent failure.
func prepareMedia(ref bus.MediaRef, limitBytes int64) (bus.MediaRef, error) {
	info, err := os.Stat(ref.LocalPath)
	if err != nil {
		return ref, channels.Permanent(fmt.Errorf("media file: %w", err))
	}
	if info.Size() <= limitBytes {
		return ref, nil
	}

	if !isImage(ref) {
		return ref, channels.Permanent(fmt.Errorf("%w: %s (%d bytes)", errMediaTooLarge, filepath.Base(ref.LocalPath), info.Size()))
	}

	img, err := imaging.Open(ref.LocalPath, imaging.AutoOrientation(true))
	if err != nil {
		return ref, channels.Permanent(fmt.Errorf("decode oversized image: %w", err))
	}
	resized := imaging.Fit(img, downscaleMaxDim, downscaleMaxDim, imaging.Lanczos)

	out, err := os.CreateTemp("", "clawgate-media-*.jpg")
	if err != nil {
		return ref, channels.Transient(fmt.Errorf("downscale temp: %w", err))
	}
	outPath := out.Name()
	out.Close()

	if err := imaging.Save(resized, outPath, imaging.JPEGQuality(85)); err != nil {
		os.Remove(outPath)
		return ref, channels.Permanent(fmt.Errorf("encode downscaled image: %w", err))
	}
	if info, err = os.Stat(outPath); err != nil || info.Size() > limitBytes {
		os.Remove(outPath)
		return ref, channels.Permanent(fmt.Errorf("%w after downscale", errMediaTooLarge))
	}

	return bus.MediaRef{LocalPath: outPath, ContentType: "image/jpeg", OriginURL: ref.OriginURL}, nil
}

func isImage(ref bus.MediaRef) bool {
	if strings.HasPrefix(ref.ContentType, "image/") {
		return true
	}
	switch strings.ToLower(filepath.Ext(ref.LocalPath)) {
	case ".jpg", ".jpeg", ".png", ".gif", ".webp", ".bmp":
		return true
	}
	return false
}
