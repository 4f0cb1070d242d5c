package network

import (
	"context"
	"fmt"
	"io"
	"time"

	lpnetwork "github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"

	"github.com/grishy/pontem-node/chain"
	"github.com/grishy/pontem-node/client"
	"github.com/grishy/pontem-node/importqueue"
)

const (
	maxBlocksPerRequest = 128
	maxResponseSize     = 16 << 20
	requestTimeout      = 20 * time.Second
)

type blockRequest struct {
	From  uint64 `bson:"from"`
	Count uint32 `bson:"count"`
}

type blockResponse struct {
	Blocks [][]byte `bson:"blocks"`
}

type syncRequest struct {
	who peer.ID
	to  uint64
}

func (s *Service) syncProtocol() protocol.ID {
	return protocol.ID("/" + s.cfg.ProtocolID + "/sync/1")
}

// BlocksProcessed implements importqueue.Link. A block with an unknown parent
// makes the node fetch the gap from the peer that sent it.
func (s *Service) BlocksProcessed(_ int, results []importqueue.BlockResult) {
	for _, r := range results {
		if r.Result != client.UnknownParent || r.Err != nil || r.Who == "" {
			continue
		}
		who, err := peer.Decode(r.Who)
		if err != nil {
			continue
		}
		select {
		case s.syncReq <- syncRequest{who: who, to: r.Number}:
		default:
			log.Debug("sync request dropped, queue full", zap.String("peer", r.Who))
		}
	}
}

func (s *Service) syncLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case req := <-s.syncReq:
			s.syncing.Store(true)
			if err := s.syncFrom(ctx, req); err != nil {
				log.Warn("block request failed", zap.String("peer", req.who.String()), zap.Error(err))
			}
			s.syncing.Store(false)
		}
	}
}

func (s *Service) syncFrom(ctx context.Context, req syncRequest) error {
	info, err := s.client.Info()
	if err != nil {
		return err
	}
	from := info.BestNumber + 1
	for from <= req.to {
		count := req.to - from + 1
		if count > maxBlocksPerRequest {
			count = maxBlocksPerRequest
		}
		blocks, err := s.RequestBlocks(ctx, req.who, from, uint32(count))
		if err != nil {
			return err
		}
		if len(blocks) == 0 {
			return nil
		}
		s.queue.ImportBlocks(client.OriginNetworkInitialSync, blocks)
		from += uint64(len(blocks))
	}
	return nil
}

// RequestBlocks fetches up to count canonical blocks starting at number from.
func (s *Service) RequestBlocks(ctx context.Context, who peer.ID, from uint64, count uint32) ([]importqueue.IncomingBlock, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	stream, err := s.host.NewStream(ctx, who, s.syncProtocol())
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}
	defer stream.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = stream.SetDeadline(deadline)
	}

	raw, err := bson.Marshal(blockRequest{From: from, Count: count})
	if err != nil {
		return nil, err
	}
	if _, err = stream.Write(raw); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}
	if err = stream.CloseWrite(); err != nil {
		return nil, fmt.Errorf("close write: %w", err)
	}

	data, err := io.ReadAll(io.LimitReader(stream, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	var resp blockResponse
	if err = bson.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	out := make([]importqueue.IncomingBlock, 0, len(resp.Blocks))
	for _, b := range resp.Blocks {
		block, err := chain.DecodeBlock(b)
		if err != nil {
			return nil, err
		}
		out = append(out, importqueue.IncomingBlock{Header: block.Header, Body: block.Extrinsics, Who: who.String()})
	}
	return out, nil
}

func (s *Service) handleBlockRequest(stream lpnetwork.Stream) {
	defer stream.Close()
	_ = stream.SetDeadline(time.Now().Add(requestTimeout))

	data, err := io.ReadAll(io.LimitReader(stream, 1<<10))
	if err != nil {
		_ = stream.Reset()
		return
	}
	var req blockRequest
	if err = bson.Unmarshal(data, &req); err != nil {
		log.Debug("malformed block request", zap.String("peer", stream.Conn().RemotePeer().String()), zap.Error(err))
		_ = stream.Reset()
		return
	}
	if req.Count > maxBlocksPerRequest {
		req.Count = maxBlocksPerRequest
	}

	var resp blockResponse
	for n := req.From; n < req.From+uint64(req.Count); n++ {
		hash, ok, err := s.client.Hash(n)
		if err != nil || !ok {
			break
		}
		block, err := s.client.Block(hash)
		if err != nil {
			break
		}
		resp.Blocks = append(resp.Blocks, chain.EncodeBlock(block))
	}

	raw, err := bson.Marshal(resp)
	if err != nil {
		_ = stream.Reset()
		return
	}
	if _, err = stream.Write(raw); err != nil {
		log.Debug("write block response", zap.Error(err))
	}
}
