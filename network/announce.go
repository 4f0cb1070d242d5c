package network

import (
	"context"
	"fmt"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"
	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"

	"github.com/grishy/pontem-node/chain"
	"github.com/grishy/pontem-node/client"
	"github.com/grishy/pontem-node/importqueue"
)

// Validation is the verdict of a BlockAnnounceValidator.
type Validation uint8

const (
	ValidationSuccess Validation = iota
	ValidationFailure
)

// BlockAnnounceValidator checks announcements before their blocks are imported.
// data is the opaque payload the announcer attached.
type BlockAnnounceValidator interface {
	Validate(ctx context.Context, header *chain.Header, data []byte) (Validation, error)
}

type announcement struct {
	Block []byte `bson:"block"`
	Data  []byte `bson:"data,omitempty"`
}

func encodeAnnouncement(b *chain.Block, data []byte) ([]byte, error) {
	return bson.Marshal(announcement{Block: chain.EncodeBlock(b), Data: data})
}

func decodeAnnouncement(raw []byte) (*chain.Block, []byte, error) {
	var a announcement
	if err := bson.Unmarshal(raw, &a); err != nil {
		return nil, nil, fmt.Errorf("decode announcement: %w", err)
	}
	b, err := chain.DecodeBlock(a.Block)
	if err != nil {
		return nil, nil, err
	}
	return b, a.Data, nil
}

// AnnounceBlock gossips a locally known block with an opaque payload.
func (s *Service) AnnounceBlock(hash chain.Hash, data []byte) error {
	if !s.isStarted() {
		return ErrNotStarted
	}
	block, err := s.client.Block(hash)
	if err != nil {
		return fmt.Errorf("announce %s: %w", hash, err)
	}
	raw, err := encodeAnnouncement(block, data)
	if err != nil {
		return err
	}
	log.Debug("announce block", zap.Uint64("number", block.Header.Number), zap.String("hash", hash.String()))
	return s.announces.Publish(context.Background(), raw)
}

func (s *Service) validateAnnouncement(ctx context.Context, from peer.ID, msg *pubsub.Message) pubsub.ValidationResult {
	if from == s.host.ID() {
		return pubsub.ValidationAccept
	}
	return s.checkAnnouncement(ctx, from, msg.Data)
}

func (s *Service) checkAnnouncement(ctx context.Context, from peer.ID, raw []byte) pubsub.ValidationResult {
	block, data, err := decodeAnnouncement(raw)
	if err != nil {
		log.Debug("malformed announcement", zap.String("from", from.String()), zap.Error(err))
		return pubsub.ValidationReject
	}
	if s.validator == nil {
		return pubsub.ValidationAccept
	}
	verdict, err := s.validator.Validate(ctx, block.Header, data)
	if err != nil {
		log.Debug("announcement validation error", zap.String("from", from.String()), zap.Error(err))
		return pubsub.ValidationIgnore
	}
	if verdict == ValidationFailure {
		log.Debug("announcement rejected", zap.String("from", from.String()), zap.Uint64("number", block.Header.Number))
		return pubsub.ValidationReject
	}
	return pubsub.ValidationAccept
}

func (s *Service) readAnnouncements(ctx context.Context) error {
	for {
		msg, err := s.announceS.Next(ctx)
		if err != nil {
			return ignoreCancel(ctx, err)
		}
		if msg.ReceivedFrom == s.host.ID() {
			continue
		}
		block, _, err := decodeAnnouncement(msg.Data)
		if err != nil {
			continue
		}
		s.queue.ImportBlocks(client.OriginNetworkBroadcast, []importqueue.IncomingBlock{{
			Header: block.Header,
			Body:   block.Extrinsics,
			Who:    msg.ReceivedFrom.String(),
		}})
	}
}
