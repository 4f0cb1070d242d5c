package chain

import (
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
)

// Wire and storage documents. Hashes travel as raw byte strings.

type digestDoc struct {
	Kind   uint8  `bson:"k"`
	Engine string `bson:"e"`
	Data   []byte `bson:"d"`
}

type headerDoc struct {
	ParentHash     []byte      `bson:"parent"`
	Number         uint64      `bson:"number"`
	StateRoot      []byte      `bson:"state"`
	ExtrinsicsRoot []byte      `bson:"xts"`
	Digest         []digestDoc `bson:"digest"`
}

type blockDoc struct {
	Header     headerDoc `bson:"header"`
	Extrinsics [][]byte  `bson:"body"`
}

func toHeaderDoc(h *Header) headerDoc {
	doc := headerDoc{
		ParentHash:     h.ParentHash.Bytes(),
		Number:         h.Number,
		StateRoot:      h.StateRoot.Bytes(),
		ExtrinsicsRoot: h.ExtrinsicsRoot.Bytes(),
		Digest:         make([]digestDoc, 0, len(h.Digest)),
	}
	for _, d := range h.Digest {
		item := digestDoc{Kind: uint8(d.Kind), Engine: d.Engine}
		// Empty and nil payloads must encode identically to keep hashes stable.
		if len(d.Data) > 0 {
			item.Data = d.Data
		}
		doc.Digest = append(doc.Digest, item)
	}
	return doc
}

func fromHeaderDoc(doc headerDoc) (*Header, error) {
	h := &Header{Number: doc.Number}

	var err error
	if h.ParentHash, err = HashFromBytes(doc.ParentHash); err != nil {
		return nil, fmt.Errorf("parent hash: %w", err)
	}
	if h.StateRoot, err = HashFromBytes(doc.StateRoot); err != nil {
		return nil, fmt.Errorf("state root: %w", err)
	}
	if h.ExtrinsicsRoot, err = HashFromBytes(doc.ExtrinsicsRoot); err != nil {
		return nil, fmt.Errorf("extrinsics root: %w", err)
	}
	for _, d := range doc.Digest {
		h.Digest = append(h.Digest, DigestItem{Kind: DigestKind(d.Kind), Engine: d.Engine, Data: d.Data})
	}
	return h, nil
}

// EncodeHeader returns the canonical encoding of a header.
func EncodeHeader(h *Header) []byte {
	data, err := bson.Marshal(toHeaderDoc(h))
	if err != nil {
		// A headerDoc always marshals.
		panic(fmt.Sprintf("encode header: %v", err))
	}
	return data
}

func DecodeHeader(data []byte) (*Header, error) {
	var doc headerDoc
	if err := bson.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode header: %w", err)
	}
	return fromHeaderDoc(doc)
}

func EncodeBlock(b *Block) []byte {
	doc := blockDoc{
		Header:     toHeaderDoc(b.Header),
		Extrinsics: make([][]byte, len(b.Extrinsics)),
	}
	for i, x := range b.Extrinsics {
		doc.Extrinsics[i] = x
	}

	data, err := bson.Marshal(doc)
	if err != nil {
		panic(fmt.Sprintf("encode block: %v", err))
	}
	return data
}

func DecodeBlock(data []byte) (*Block, error) {
	var doc blockDoc
	if err := bson.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode block: %w", err)
	}
	h, err := fromHeaderDoc(doc.Header)
	if err != nil {
		return nil, err
	}

	b := &Block{Header: h, Extrinsics: make([]Extrinsic, len(doc.Extrinsics))}
	for i, x := range doc.Extrinsics {
		b.Extrinsics[i] = x
	}
	return b, nil
}

// EncodeExtrinsics encodes a block body.
func EncodeExtrinsics(xts []Extrinsic) []byte {
	raw := make([][]byte, len(xts))
	for i, x := range xts {
		raw[i] = x
	}
	data, err := bson.Marshal(bson.M{"body": raw})
	if err != nil {
		panic(fmt.Sprintf("encode body: %v", err))
	}
	return data
}

func DecodeExtrinsics(data []byte) ([]Extrinsic, error) {
	var doc struct {
		Body [][]byte `bson:"body"`
	}
	if err := bson.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode body: %w", err)
	}
	xts := make([]Extrinsic, len(doc.Body))
	for i, x := range doc.Body {
		xts[i] = x
	}
	return xts, nil
}
