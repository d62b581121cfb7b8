package fetcher

import (
	"context"

	"go.uber.org/zap"
)

// Detector decides whether a plain response needs headless rendering.
type Detector interface {
	ShouldPromote(resp Response) bool
}

// Promoting fetches over plain HTTP first and re-fetches through the
// headless fetcher when the detector asks for it.
type Promoting struct {
	primary  Fetcher
	headless Fetcher
	detector Detector
	logger   *zap.Logger
}

// NewPromoting wires the two fetchers. A nil headless fetcher or detector
// disables promotion.
func NewPromoting(primary, headless Fetcher, detector Detector, logger *zap.Logger) *Promoting {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Promoting{primary: primary, headless: headless, detector: detector, logger: logger}
}

// Fetch implements Fetcher.
func (p *Promoting) Fetch(ctx context.Context, req Request) (Response, error) {
	resp, err := p.primary.Fetch(ctx, req)
	if err != nil || p.headless == nil || p.detector == nil || !p.detector.ShouldPromote(resp) {
		return resp, err
	}
	p.logger.Debug("promoting fetch to headless", zap.String("url", req.URL), zap.Int("bytes", len(resp.Body)))
	rendered, herr := p.headless.Fetch(ctx, req)
	if herr != nil {
		p.logger.Warn("headless fetch failed; using plain response", zap.String("url", req.URL), zap.Error(herr))
		return resp, nil
	}
	return rendered, nil
}
