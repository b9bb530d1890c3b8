// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package providers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"strings"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

// DefaultMinImageBytes is the smallest body accepted as a real image.
const DefaultMinImageBytes = 10 << 10

// minImageSide rejects tracking pixels and spacer images that pass the size check.
const minImageSide = 50

var errNotImage = errors.New("not an image")

// ImageValidator fetches a candidate and checks that it is a decodable image of a useful size.
type ImageValidator struct {
	transport *Transport
	minBytes  int
}

func NewImageValidator(t *Transport, minBytes int) *ImageValidator {
	if minBytes <= 0 {
		minBytes = DefaultMinImageBytes
	}
	return &ImageValidator{transport: t, minBytes: minBytes}
}

// Validate returns nil when rawURL serves an acceptable image.
func (v *ImageValidator) Validate(ctx context.Context, rawURL string) error {
	resp, err := v.transport.GetImage(ctx, rawURL)
	if err != nil {
		return err
	}
	return CheckImage(resp.ContentType, resp.Body, v.minBytes)
}

// CheckImage applies the content checks to an already fetched body.
func CheckImage(contentType string, body []byte, minBytes int) error {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if ct != "" && !strings.HasPrefix(ct, "image/") && !strings.HasPrefix(ct, "application/octet-stream") {
		return fmt.Errorf("%w: content type %q", errNotImage, contentType)
	}
	if len(body) < minBytes {
		return fmt.Errorf("%w: %d bytes is below %d", errNotImage, len(body), minBytes)
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", errNotImage, err)
	}
	if cfg.Width < minImageSide || cfg.Height < minImageSide {
		return fmt.Errorf("%w: %s is %dx%d", errNotImage, format, cfg.Width, cfg.Height)
	}
	return nil
}

// FirstValid returns the candidates that validate, stopping after limit (0 means all).
// Missing, refused and malformed images only drop their candidate. When nothing validates
// the last other transport error is returned so the caller can classify it.
func (v *ImageValidator) FirstValid(ctx context.Context, urls []string, limit int) ([]string, error) {
	var (
		out     []string
		lastErr error
	)
	for _, u := range urls {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		err := v.Validate(ctx, u)
		switch {
		case err == nil:
			out = append(out, u)
			if limit > 0 && len(out) >= limit {
				return out, nil
			}
		case errors.Is(err, ErrNotFound), errors.Is(err, ErrImageRefused), errors.Is(err, errNotImage):
		default:
			lastErr = err
		}
	}
	if len(out) == 0 && lastErr != nil {
		return nil, lastErr
	}
	return out, nil
}
