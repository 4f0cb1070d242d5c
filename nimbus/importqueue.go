package nimbus

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/grishy/pontem-node/chain"
	"github.com/grishy/pontem-node/client"
	"github.com/grishy/pontem-node/importqueue"
	"github.com/grishy/pontem-node/inherents"
	"github.com/grishy/pontem-node/keystore"
	"github.com/grishy/pontem-node/nativeruntime"
	"github.com/grishy/pontem-node/taskmanager"
)

var (
	ErrNoSeal         = errors.New("block has no nimbus seal")
	ErrNoAuthor       = errors.New("block has no nimbus pre-runtime digest")
	ErrBadSignature   = errors.New("bad nimbus seal signature")
	ErrInherentsCheck = errors.New("inherents check failed")
)

// VerifierClient checks block inherents against local inherent data.
type VerifierClient interface {
	CheckInherents(ctx context.Context, block *chain.Block, data *inherents.Data) (nativeruntime.CheckInherentsResult, error)
}

type verifier struct {
	client VerifierClient
	cidp   inherents.CreateInherentDataProviders[struct{}]
}

// ImportQueue builds the nimbus import queue. It checks the author seal and the
// block inherents against the data cidp provides.
func ImportQueue(
	blockImport client.BlockImport,
	c VerifierClient,
	cidp inherents.CreateInherentDataProviders[struct{}],
	spawner taskmanager.Spawner,
	registry *prometheus.Registry,
) (*importqueue.BasicQueue, error) {
	if blockImport == nil || c == nil || cidp == nil {
		return nil, errors.New("nimbus import queue: block import, client and inherent providers are required")
	}
	v := &verifier{client: c, cidp: cidp}
	return importqueue.NewBasicQueue(v, blockImport, spawner, registry), nil
}

func (v *verifier) Verify(ctx context.Context, params *client.BlockImportParams) (*client.BlockImportParams, error) {
	header := params.Header
	signature, ok := header.Seal(EngineID)
	if !ok {
		return nil, ErrNoSeal
	}
	unsealed := header.WithoutSeal()
	author, ok := AuthorOfHeader(unsealed)
	if !ok {
		return nil, ErrNoAuthor
	}
	preHash := unsealed.Hash()
	valid, err := keystore.Verify(author.Bytes(), preHash.Bytes(), signature)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadSignature, err)
	}
	if !valid {
		return nil, ErrBadSignature
	}

	if len(params.Body) > 0 {
		if err = v.checkInherents(ctx, &chain.Block{Header: header, Extrinsics: params.Body}); err != nil {
			return nil, err
		}
	}

	log.Debug("verified nimbus block",
		zap.Uint64("number", header.Number),
		zap.String("author", author.String()))

	params.Header = unsealed
	params.PostDigests = []chain.DigestItem{SealDigest(signature)}
	params.ForkChoice = client.ForkChoiceLongestChain
	return params, nil
}

func (v *verifier) checkInherents(ctx context.Context, block *chain.Block) error {
	providers, err := v.cidp.CreateInherentDataProviders(ctx, block.Header.ParentHash, struct{}{})
	if err != nil {
		return fmt.Errorf("create inherent data providers: %w", err)
	}
	data, err := providers.CreateInherentData(ctx)
	if err != nil {
		return fmt.Errorf("create inherent data: %w", err)
	}
	res, err := v.client.CheckInherents(ctx, block, data)
	if err != nil {
		return fmt.Errorf("check inherents: %w", err)
	}
	if res.Ok {
		return nil
	}
	reasons := make([]string, 0, len(res.Errors))
	for id, msg := range res.Errors {
		reasons = append(reasons, id+": "+msg)
	}
	sort.Strings(reasons)
	return fmt.Errorf("%w: %s", ErrInherentsCheck, strings.Join(reasons, "; "))
}
