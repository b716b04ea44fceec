package artifacts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"

	"filippo.io/age"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"labwatch/pkg/backend"
	"labwatch/pkg/metrics"
	"labwatch/pkg/telemetry"
)

// Opener streams the content of an artifact.
type Opener interface {
	OpenArtifact(ctx context.Context, cid string) (io.ReadCloser, error)
}

// SaveRequest is handed to a Sink. File is positioned at its start and
// is removed once Save returns.
type SaveRequest struct {
	Ref       backend.ArtifactReference
	Name      string
	File      *os.File
	Size      int64
	SHA256    string
	Encrypted bool
}

// Sink persists a spooled artifact and returns where it ended up.
type Sink interface {
	Save(ctx context.Context, req SaveRequest) (string, error)
}

// Result describes a completed download.
type Result struct {
	CID       string `json:"cid" yaml:"cid"`
	Name      string `json:"name" yaml:"name"`
	Location  string `json:"location" yaml:"location"`
	Bytes     int64  `json:"bytes" yaml:"bytes"`
	SHA256    string `json:"sha256" yaml:"sha256"`
	Encrypted bool   `json:"encrypted" yaml:"encrypted"`
}

// Options configures a Downloader.
type Options struct {
	Opener Opener
	Sink   Sink
	// TempDir holds transient spool files; empty means os.TempDir.
	TempDir string
	// Recipients, when set, encrypt artifacts with age before saving.
	Recipients []age.Recipient
	Logger     zerolog.Logger
	Metrics    *metrics.Metrics
}

// Downloader fetches artifacts by CID and hands them to a Sink.
type Downloader struct {
	opener     Opener
	sink       Sink
	tempDir    string
	recipients []age.Recipient
	logger     zerolog.Logger
	metrics    *metrics.Metrics
}

// NewDownloader validates the options.
func NewDownloader(opts Options) (*Downloader, error) {
	if opts.Opener == nil {
		return nil, errors.New("artifact opener is required")
	}
	if opts.Sink == nil {
		return nil, errors.New("artifact sink is required")
	}
	return &Downloader{
		opener:     opts.Opener,
		sink:       opts.Sink,
		tempDir:    opts.TempDir,
		recipients: opts.Recipients,
		logger:     opts.Logger.With().Str("component", "artifact_downloader").Logger(),
		metrics:    opts.Metrics,
	}, nil
}

// Download fetches ref and saves it. The response body and the spool
// file are released on every return path. Errors are *backend.DownloadError.
func (d *Downloader) Download(ctx context.Context, ref backend.ArtifactReference) (Result, error) {
	if d == nil {
		return Result{}, errors.New("nil downloader")
	}
	ctx, span := telemetry.Tracer().Start(ctx, "artifacts.download",
		trace.WithAttributes(attribute.String("artifact.cid", ref.CID)))
	defer span.End()

	res, err := d.download(ctx, ref)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		d.metrics.Download(metrics.OutcomeError, 0)
		d.logger.Warn().Err(err).Str("cid", ref.CID).Msg("download failed")
		return Result{}, &backend.DownloadError{CID: ref.CID, Err: err}
	}
	span.SetAttributes(attribute.Int64("artifact.bytes", res.Bytes))
	d.metrics.Download(metrics.OutcomeSuccess, res.Bytes)
	d.logger.Info().
		Str("cid", res.CID).
		Str("location", res.Location).
		Int64("bytes", res.Bytes).
		Msg("artifact saved")
	return res, nil
}

func (d *Downloader) download(ctx context.Context, ref backend.ArtifactReference) (Result, error) {
	if err := backend.ValidateCID(ref.CID); err != nil {
		return Result{}, err
	}

	body, err := d.opener.OpenArtifact(ctx, ref.CID)
	if err != nil {
		return Result{}, err
	}
	defer body.Close()

	spool, err := os.CreateTemp(d.tempDir, "labwatch-*.part")
	if err != nil {
		return Result{}, fmt.Errorf("create spool file: %w", err)
	}
	defer func() {
		_ = spool.Close()
		_ = os.Remove(spool.Name())
	}()

	hash := sha256.New()
	n, err := d.spool(io.MultiWriter(spool, hash), body)
	if err != nil {
		return Result{}, err
	}
	size, err := spool.Seek(0, io.SeekCurrent)
	if err != nil {
		return Result{}, fmt.Errorf("stat spool file: %w", err)
	}
	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		return Result{}, fmt.Errorf("rewind spool file: %w", err)
	}

	name := ref.DisplayName()
	encrypted := len(d.recipients) > 0
	if encrypted {
		name += ".age"
	}
	req := SaveRequest{
		Ref:       ref,
		Name:      name,
		File:      spool,
		Size:      size,
		SHA256:    hex.EncodeToString(hash.Sum(nil)),
		Encrypted: encrypted,
	}
	location, err := d.sink.Save(ctx, req)
	if err != nil {
		return Result{}, fmt.Errorf("save: %w", err)
	}
	return Result{
		CID:       ref.CID,
		Name:      name,
		Location:  location,
		Bytes:     n,
		SHA256:    req.SHA256,
		Encrypted: encrypted,
	}, nil
}

// spool copies body into w, encrypting when recipients are configured,
// and returns the number of plaintext bytes read.
func (d *Downloader) spool(w io.Writer, body io.Reader) (int64, error) {
	if len(d.recipients) == 0 {
		n, err := io.Copy(w, body)
		if err != nil {
			return n, fmt.Errorf("read body: %w", err)
		}
		return n, nil
	}
	enc, err := age.Encrypt(w, d.recipients...)
	if err != nil {
		return 0, fmt.Errorf("age encrypt: %w", err)
	}
	n, err := io.Copy(enc, body)
	if err != nil {
		return n, fmt.Errorf("read body: %w", err)
	}
	if err := enc.Close(); err != nil {
		return n, fmt.Errorf("age finalize: %w", err)
	}
	return n, nil
}

// ParseRecipients parses age X25519 recipient strings.
func ParseRecipients(values []string) ([]age.Recipient, error) {
	out := make([]age.Recipient, 0, len(values))
	for _, v := range values {
		r, err := age.ParseX25519Recipient(v)
		if err != nil {
			return nil, fmt.Errorf("parse recipient %q: %w", v, err)
		}
		out = append(out, r)
	}
	return out, nil
}
