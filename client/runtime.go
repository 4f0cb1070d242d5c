package client

import (
	"context"
	"fmt"

	"github.com/grishy/pontem-node/chain"
	"github.com/grishy/pontem-node/executor"
	"github.com/grishy/pontem-node/inherents"
	"github.com/grishy/pontem-node/nativeruntime"
)

// Runtime API calls. The at argument names the block whose state is used;
// the native runtime is stateless so it only scopes log output.

func (c *Client) call(ctx context.Context, method string, in []byte, out any) error {
	raw, err := c.executor.Call(ctx, method, in)
	if err != nil {
		return fmt.Errorf("runtime %s: %w", method, err)
	}
	if out == nil {
		return nil
	}
	return nativeruntime.Decode(raw, out)
}

func (c *Client) Version(ctx context.Context) (executor.RuntimeVersion, error) {
	var v executor.RuntimeVersion
	err := c.call(ctx, nativeruntime.MethodVersion, nil, &v)
	return v, err
}

func (c *Client) ValidateTransaction(
	ctx context.Context,
	at chain.Hash,
	source nativeruntime.TransactionSource,
	tx chain.Extrinsic,
) (nativeruntime.TransactionValidity, error) {
	var res nativeruntime.TransactionValidity
	req := nativeruntime.ValidateTransactionRequest{Source: source, Tx: tx, At: at.Bytes()}
	err := c.call(ctx, nativeruntime.MethodValidateTransaction, nativeruntime.Encode(req), &res)
	return res, err
}

// InherentExtrinsics turns inherent data into the extrinsics that open a block.
func (c *Client) InherentExtrinsics(ctx context.Context, _ chain.Hash, data *inherents.Data) ([]chain.Extrinsic, error) {
	raw, err := c.executor.Call(ctx, nativeruntime.MethodInherentExtrinsics, data.Encode())
	if err != nil {
		return nil, fmt.Errorf("runtime %s: %w", nativeruntime.MethodInherentExtrinsics, err)
	}
	return chain.DecodeExtrinsics(raw)
}

func (c *Client) ApplyExtrinsic(ctx context.Context, _ chain.Hash, x chain.Extrinsic) error {
	var res nativeruntime.ApplyExtrinsicResult
	if err := c.call(ctx, nativeruntime.MethodApplyExtrinsic, x, &res); err != nil {
		return err
	}
	if res.Error != "" {
		return fmt.Errorf("%w: %s", ErrApplyExtrinsic, res.Error)
	}
	return nil
}

func (c *Client) CheckInherents(ctx context.Context, block *chain.Block, data *inherents.Data) (nativeruntime.CheckInherentsResult, error) {
	var res nativeruntime.CheckInherentsResult
	req := nativeruntime.CheckInherentsRequest{Block: chain.EncodeBlock(block), Data: data.Encode()}
	err := c.call(ctx, nativeruntime.MethodCheckInherents, nativeruntime.Encode(req), &res)
	return res, err
}

// CanAuthor asks the runtime whether author may build on parent at the given relay height.
func (c *Client) CanAuthor(ctx context.Context, parent chain.Hash, author []byte, relayParentNumber uint32) (bool, error) {
	var res nativeruntime.CanAuthorResult
	req := nativeruntime.CanAuthorRequest{Author: author, RelayParentNumber: relayParentNumber, Parent: parent.Bytes()}
	err := c.call(ctx, nativeruntime.MethodCanAuthor, nativeruntime.Encode(req), &res)
	return res.Eligible, err
}

func (c *Client) OffchainWorker(ctx context.Context, header *chain.Header) error {
	return c.call(ctx, nativeruntime.MethodOffchainWorker, chain.EncodeHeader(header), nil)
}
