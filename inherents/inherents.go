// Package inherents carries the data an author injects into every block.
package inherents

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/grishy/pontem-node/chain"
)

// Identifier names an inherent.
type Identifier [8]byte

func (id Identifier) String() string {
	return string(id[:])
}

func NewIdentifier(s string) Identifier {
	var id Identifier
	copy(id[:], s)
	return id
}

var ErrDecode = errors.New("decode inherent data")

// Data maps inherent identifiers to encoded values.
type Data struct {
	entries map[Identifier][]byte
}

func NewData() *Data {
	return &Data{entries: make(map[Identifier][]byte)}
}

type valueDoc struct {
	V bson.RawValue `bson:"v"`
}

// Put stores v under id, replacing any previous value.
func (d *Data) Put(id Identifier, v any) error {
	raw, err := bson.Marshal(bson.M{"v": v})
	if err != nil {
		return fmt.Errorf("encode inherent %s: %w", id, err)
	}
	d.entries[id] = raw
	return nil
}

// Get decodes the value stored under id into out.
func (d *Data) Get(id Identifier, out any) (bool, error) {
	raw, ok := d.entries[id]
	if !ok {
		return false, nil
	}
	var doc valueDoc
	if err := bson.Unmarshal(raw, &doc); err != nil {
		return true, fmt.Errorf("%w %s: %w", ErrDecode, id, err)
	}
	if err := doc.V.Unmarshal(out); err != nil {
		return true, fmt.Errorf("%w %s: %w", ErrDecode, id, err)
	}
	return true, nil
}

func (d *Data) Has(id Identifier) bool {
	_, ok := d.entries[id]
	return ok
}

func (d *Data) Len() int {
	return len(d.entries)
}

// Identifiers returns the stored identifiers in byte order.
func (d *Data) Identifiers() []Identifier {
	ids := make([]Identifier, 0, len(d.entries))
	for id := range d.entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return bytes.Compare(ids[i][:], ids[j][:]) < 0 })
	return ids
}

// PutRaw stores an already encoded value.
func (d *Data) PutRaw(id Identifier, raw []byte) {
	d.entries[id] = raw
}

// Raw returns the encoded value of id.
func (d *Data) Raw(id Identifier) []byte {
	return d.entries[id]
}

type entryDoc struct {
	ID    []byte `bson:"id"`
	Value []byte `bson:"value"`
}

func (d *Data) Encode() []byte {
	doc := struct {
		Entries []entryDoc `bson:"entries"`
	}{Entries: make([]entryDoc, 0, len(d.entries))}
	for _, id := range d.Identifiers() {
		doc.Entries = append(doc.Entries, entryDoc{ID: id[:], Value: d.entries[id]})
	}
	data, err := bson.Marshal(doc)
	if err != nil {
		panic(fmt.Sprintf("encode inherent data: %v", err))
	}
	return data
}

func DecodeData(data []byte) (*Data, error) {
	var doc struct {
		Entries []entryDoc `bson:"entries"`
	}
	if err := bson.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	d := NewData()
	for _, e := range doc.Entries {
		if len(e.ID) != len(Identifier{}) {
			return nil, fmt.Errorf("%w: identifier of %d bytes", ErrDecode, len(e.ID))
		}
		d.entries[Identifier(e.ID)] = e.Value
	}
	return d, nil
}

// Provider contributes one or more inherents.
type Provider interface {
	ProvideInherentData(ctx context.Context, data *Data) error
}

// Providers is an ordered set of providers.
type Providers []Provider

// CreateInherentData runs every provider into a fresh Data.
func (p Providers) CreateInherentData(ctx context.Context) (*Data, error) {
	data := NewData()
	for _, provider := range p {
		if err := provider.ProvideInherentData(ctx, data); err != nil {
			return nil, err
		}
	}
	return data, nil
}

// CreateInherentDataProviders builds the providers for a block on top of parent.
// E carries engine-specific context, such as the relay parent of a collation.
type CreateInherentDataProviders[E any] interface {
	CreateInherentDataProviders(ctx context.Context, parent chain.Hash, extra E) (Providers, error)
}

// Func adapts a function to CreateInherentDataProviders.
type Func[E any] func(ctx context.Context, parent chain.Hash, extra E) (Providers, error)

func (f Func[E]) CreateInherentDataProviders(ctx context.Context, parent chain.Hash, extra E) (Providers, error) {
	return f(ctx, parent, extra)
}
