/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package realtime ingests row-change events from Kafka and applies them
// through the same mapper and writer path batch sync uses. Delivery is
// at-least-once; the writer's external-key upsert makes replays idempotent.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/apexplay/datasync/internal/etl"
)

// DefaultTopic is the row-change event topic.
const DefaultTopic = "datasync.row-changes"

// ChangeEvent is one upstream row change. Op is insert, update, or delete;
// deletes are acknowledged but not applied, the target keeps its row.
type ChangeEvent struct {
	Table string         `json:"table"`
	Op    string         `json:"op"`
	Row   map[string]any `json:"row"`
}

// Applier applies one mapped batch to the target. It is the seam between the
// Kafka plumbing and the sync pipeline.
type Applier interface {
	Apply(ctx context.Context, table *etl.TableConfig, rows []etl.Record) error
}

// SyncApplier drives the mapper and writer for single-event batches.
type SyncApplier struct {
	mapper *etl.RecordMapper
	writer *etl.TargetWriter
	log    *zap.SugaredLogger
}

// NewSyncApplier wires the batch pipeline for realtime use.
func NewSyncApplier(mapper *etl.RecordMapper, writer *etl.TargetWriter, log *zap.SugaredLogger) *SyncApplier {
	return &SyncApplier{mapper: mapper, writer: writer, log: log}
}

// Apply maps and writes one batch. Rejected rows are logged and dropped;
// only writer failures propagate so the message is redelivered.
func (a *SyncApplier) Apply(ctx context.Context, table *etl.TableConfig, rows []etl.Record) error {
	mapped := a.mapper.MapBatch(table, rows)
	for _, rej := range mapped.Rejected {
		a.log.Warnw("dropping invalid realtime row",
			"table", table.SourceTable, "errors", rej.Errors)
	}
	if len(mapped.Records) == 0 {
		return nil
	}
	_, err := a.writer.LoadBatch(ctx, table, mapped.Records)
	return err
}

// Ingestor owns the consumer group and the event-to-table routing.
type Ingestor struct {
	group   sarama.ConsumerGroup
	topics  []string
	handler *handler
	log     *zap.SugaredLogger
}

// Config holds the Kafka wiring of the ingestor.
type Config struct {
	Brokers []string
	GroupID string
	Topics  []string
}

// NewIngestor connects the consumer group. tables are the enabled sync
// descriptors; events for other tables are acknowledged and skipped.
func NewIngestor(cfg Config, tables []etl.TableConfig, applier Applier, log *zap.SugaredLogger) (*Ingestor, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("realtime: no kafka brokers configured")
	}
	if cfg.GroupID == "" {
		cfg.GroupID = "datasync-realtime"
	}
	if len(cfg.Topics) == 0 {
		cfg.Topics = []string{DefaultTopic}
	}

	sc := sarama.NewConfig()
	sc.Consumer.Offsets.Initial = sarama.OffsetNewest
	sc.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, sc)
	if err != nil {
		return nil, fmt.Errorf("realtime: connecting consumer group: %w", err)
	}
	return &Ingestor{
		group:   group,
		topics:  cfg.Topics,
		handler: newHandler(tables, applier, log),
		log:     log,
	}, nil
}

// Run consumes until ctx is cancelled. Rebalances restart the claim loop;
// consume errors are logged and retried.
func (i *Ingestor) Run(ctx context.Context) error {
	go func() {
		for err := range i.group.Errors() {
			i.log.Warnw("consumer group error", "error", err)
		}
	}()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := i.group.Consume(ctx, i.topics, i.handler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			i.log.Warnw("consume pass failed, retrying", "error", err)
		}
	}
}

// Close tears down the consumer group.
func (i *Ingestor) Close() error {
	return i.group.Close()
}

// handler implements sarama.ConsumerGroupHandler over the event router.
type handler struct {
	tables  []etl.TableConfig
	applier Applier
	log     *zap.SugaredLogger
}

func newHandler(tables []etl.TableConfig, applier Applier, log *zap.SugaredLogger) *handler {
	return &handler{tables: tables, applier: applier, log: log}
}

func (h *handler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *handler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim processes one partition claim. A message is marked consumed
// only after the apply succeeded, so failures are redelivered.
func (h *handler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		if err := h.handleMessage(sess.Context(), msg.Value); err != nil {
			h.log.Errorw("applying realtime event failed",
				"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "error", err)
			return err
		}
		sess.MarkMessage(msg, "")
	}
	return nil
}

// handleMessage decodes and routes one event. Undecodable events and events
// for unknown, disabled, or deleted rows are skipped, not retried.
func (h *handler) handleMessage(ctx context.Context, value []byte) error {
	var ev ChangeEvent
	if err := json.Unmarshal(value, &ev); err != nil {
		h.log.Warnw("dropping undecodable event", "error", err)
		return nil
	}

	switch ev.Op {
	case "insert", "update":
	case "delete":
		// Deletions stay upstream-only; the target keeps history.
		return nil
	default:
		h.log.Warnw("dropping event with unknown op", "op", ev.Op, "table", ev.Table)
		return nil
	}

	table, err := etl.FindTable(h.tables, ev.Table)
	if err != nil {
		h.log.Warnw("dropping event for unsynced table", "table", ev.Table, "error", err)
		return nil
	}
	if len(ev.Row) == 0 {
		h.log.Warnw("dropping event without row payload", "table", ev.Table)
		return nil
	}

	return h.applier.Apply(ctx, table, []etl.Record{etl.Record(ev.Row)})
}
