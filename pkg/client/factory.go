package client

import (
	"log/slog"

	"github.com/google/uuid"
)

// FactoryConfig holds Factory configuration Options.
type FactoryConfig struct {
	Controller        Controller
	ConnectionFactory ConnectionFactory
	Retry             RetryConfig
	DelegationToken   string
	Logger            *slog.Logger
	Metrics           *Metrics
}

// Factory creates writers sharing one controller, connection factory and
// retry schedule.
type Factory struct {
	cfg FactoryConfig
}

func NewFactory(cfg FactoryConfig) *Factory {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.Retry = cfg.Retry.withDefaults()
	return &Factory{cfg: cfg}
}

// CreateConditionalWriter returns a writer for segment with a new writer id.
func (f *Factory) CreateConditionalWriter(segment string) *ConditionalWriter {
	return f.CreateConditionalWriterWithID(segment, uuid.New())
}

// CreateConditionalWriterWithID returns a writer for segment using writerID.
// If the segment already holds appends for writerID, the writer numbers its
// events after the last of them.
func (f *Factory) CreateConditionalWriterWithID(segment string, writerID uuid.UUID) *ConditionalWriter {
	return NewConditionalWriter(WriterConfig{
		Segment:           segment,
		WriterID:          writerID,
		DelegationToken:   f.cfg.DelegationToken,
		Controller:        f.cfg.Controller,
		ConnectionFactory: f.cfg.ConnectionFactory,
		Retry:             f.cfg.Retry,
		Logger:            f.cfg.Logger,
		Metrics:           f.cfg.Metrics,
	})
}
