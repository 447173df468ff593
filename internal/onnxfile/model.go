// Package onnxfile reads and writes ONNX model files at the protobuf wire
// level. Only the parts of ModelProto the converter and the loader need are
// decoded; everything else is carried through unchanged.
package onnxfile

import (
	"errors"
	"fmt"
	"os"

	"google.golang.org/protobuf/encoding/protowire"
)

var ErrMalformed = errors.New("malformed onnx model")

// Field numbers from onnx.proto.
const (
	modelIRVersion     = 1
	modelProducerName  = 2
	modelGraph         = 7
	modelOpsetImport   = 8
	modelMetadataProps = 14

	opsetDomain  = 1
	opsetVersion = 2

	entryKey   = 1
	entryValue = 2

	graphNode        = 1
	graphName        = 2
	graphInitializer = 5
	graphInput       = 11
	graphOutput      = 12

	nodeInput  = 1
	nodeOutput = 2
	nodeName   = 3
	nodeOpType = 4
	nodeDomain = 7

	tensorDims      = 1
	tensorDataType  = 2
	tensorFloatData = 4
	tensorName      = 8
	tensorRawData   = 9

	valueInfoName = 1
	valueInfoType = 2

	typeTensorType  = 1
	tensorTypeElem  = 1
	tensorTypeShape = 2
	shapeDim        = 1
	dimValue        = 1
	dimParam        = 2
)

// DefaultDomain is the operator set domain of the standard ONNX operators.
const DefaultDomain = ""

type Model struct {
	IRVersion    int64
	ProducerName string
	Graph        *Graph
	Opsets       []Opset
	Metadata     []Property

	rest []field
}

type Opset struct {
	Domain  string
	Version int64
}

type Property struct {
	Key   string
	Value string
}

type Graph struct {
	Name         string
	Nodes        []*Node
	Initializers []*Tensor
	Inputs       []*ValueInfo
	Outputs      []*ValueInfo

	rest []field
}

type Node struct {
	Name    string
	OpType  string
	Domain  string
	Inputs  []string
	Outputs []string

	rest []field
}

// Read loads and decodes the model at path.
func Read(path string) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model: %w", err)
	}
	m, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// Write encodes m and writes it to path in a single write, replacing any
// existing file.
func (m *Model) Write(path string) error {
	if err := os.WriteFile(path, m.Encode(), 0o644); err != nil {
		return fmt.Errorf("failed to write model: %w", err)
	}
	return nil
}

func Decode(b []byte) (*Model, error) {
	fields, err := parseFields(b)
	if err != nil {
		return nil, err
	}
	m := &Model{}
	for _, f := range fields {
		switch f.num {
		case modelIRVersion:
			v, err := f.varint()
			if err != nil {
				return nil, err
			}
			m.IRVersion = int64(v)
		case modelProducerName:
			if m.ProducerName, err = f.str(); err != nil {
				return nil, err
			}
		case modelGraph:
			msg, err := f.bytes()
			if err != nil {
				return nil, err
			}
			if m.Graph, err = decodeGraph(msg); err != nil {
				return nil, fmt.Errorf("graph: %w", err)
			}
		case modelOpsetImport:
			op, err := decodeOpset(f)
			if err != nil {
				return nil, err
			}
			m.Opsets = append(m.Opsets, op)
		case modelMetadataProps:
			p, err := decodeProperty(f)
			if err != nil {
				return nil, err
			}
			m.Metadata = append(m.Metadata, p)
		default:
			m.rest = append(m.rest, f)
		}
	}
	if m.Graph == nil {
		return nil, fmt.Errorf("%w: no graph", ErrMalformed)
	}
	return m, nil
}

func (m *Model) Encode() []byte {
	var b []byte
	if m.IRVersion != 0 {
		b = appendVarint(b, modelIRVersion, uint64(m.IRVersion))
	}
	b = appendString(b, modelProducerName, m.ProducerName)
	b = appendRaw(b, m.rest)
	for _, op := range m.Opsets {
		var msg []byte
		msg = appendString(msg, opsetDomain, op.Domain)
		msg = appendVarint(msg, opsetVersion, uint64(op.Version))
		b = appendMessage(b, modelOpsetImport, msg)
	}
	if m.Graph != nil {
		b = appendMessage(b, modelGraph, m.Graph.encode())
	}
	for _, p := range m.Metadata {
		var msg []byte
		msg = appendString(msg, entryKey, p.Key)
		msg = appendString(msg, entryValue, p.Value)
		b = appendMessage(b, modelMetadataProps, msg)
	}
	return b
}

// OpsetVersion returns the imported version of domain, or 0 when the model
// does not import it. "ai.onnx" is treated as the default domain.
func (m *Model) OpsetVersion(domain string) int64 {
	for _, op := range m.Opsets {
		d := op.Domain
		if d == "ai.onnx" {
			d = DefaultDomain
		}
		if d == domain {
			return op.Version
		}
	}
	return 0
}

func (m *Model) Property(key string) (string, bool) {
	for _, p := range m.Metadata {
		if p.Key == key {
			return p.Value, true
		}
	}
	return "", false
}

// SetProperty adds or replaces a metadata_props entry.
func (m *Model) SetProperty(key, value string) {
	for i, p := range m.Metadata {
		if p.Key == key {
			m.Metadata[i].Value = value
			return
		}
	}
	m.Metadata = append(m.Metadata, Property{Key: key, Value: value})
}

func decodeOpset(f field) (Opset, error) {
	msg, err := f.bytes()
	if err != nil {
		return Opset{}, err
	}
	fields, err := parseFields(msg)
	if err != nil {
		return Opset{}, err
	}
	var op Opset
	for _, sf := range fields {
		switch sf.num {
		case opsetDomain:
			if op.Domain, err = sf.str(); err != nil {
				return Opset{}, err
			}
		case opsetVersion:
			v, err := sf.varint()
			if err != nil {
				return Opset{}, err
			}
			op.Version = int64(v)
		}
	}
	return op, nil
}

func decodeProperty(f field) (Property, error) {
	msg, err := f.bytes()
	if err != nil {
		return Property{}, err
	}
	fields, err := parseFields(msg)
	if err != nil {
		return Property{}, err
	}
	var p Property
	for _, sf := range fields {
		switch sf.num {
		case entryKey:
			p.Key, err = sf.str()
		case entryValue:
			p.Value, err = sf.str()
		}
		if err != nil {
			return Property{}, err
		}
	}
	return p, nil
}

func decodeGraph(b []byte) (*Graph, error) {
	fields, err := parseFields(b)
	if err != nil {
		return nil, err
	}
	g := &Graph{}
	for _, f := range fields {
		var msg []byte
		if f.num == graphNode || f.num == graphInitializer || f.num == graphInput || f.num == graphOutput {
			if msg, err = f.bytes(); err != nil {
				return nil, err
			}
		}
		switch f.num {
		case graphName:
			if g.Name, err = f.str(); err != nil {
				return nil, err
			}
		case graphNode:
			n, err := decodeNode(msg)
			if err != nil {
				return nil, fmt.Errorf("node %d: %w", len(g.Nodes), err)
			}
			g.Nodes = append(g.Nodes, n)
		case graphInitializer:
			t, err := decodeTensor(msg)
			if err != nil {
				return nil, fmt.Errorf("initializer %d: %w", len(g.Initializers), err)
			}
			g.Initializers = append(g.Initializers, t)
		case graphInput:
			v, err := decodeValueInfo(msg)
			if err != nil {
				return nil, fmt.Errorf("input %d: %w", len(g.Inputs), err)
			}
			g.Inputs = append(g.Inputs, v)
		case graphOutput:
			v, err := decodeValueInfo(msg)
			if err != nil {
				return nil, fmt.Errorf("output %d: %w", len(g.Outputs), err)
			}
			g.Outputs = append(g.Outputs, v)
		default:
			g.rest = append(g.rest, f)
		}
	}
	return g, nil
}

func (g *Graph) encode() []byte {
	var b []byte
	for _, n := range g.Nodes {
		b = appendMessage(b, graphNode, n.encode())
	}
	b = appendString(b, graphName, g.Name)
	for _, t := range g.Initializers {
		b = appendMessage(b, graphInitializer, t.encode())
	}
	for _, v := range g.Inputs {
		b = appendMessage(b, graphInput, v.encode())
	}
	for _, v := range g.Outputs {
		b = appendMessage(b, graphOutput, v.encode())
	}
	return appendRaw(b, g.rest)
}

// Initializer returns the initializer called name, or nil.
func (g *Graph) Initializer(name string) *Tensor {
	for _, t := range g.Initializers {
		if t.Name == name {
			return t
		}
	}
	return nil
}

// RuntimeInputs returns the graph inputs that must be fed at run time.
// Models with IR version below 4 also list their initializers as inputs.
func (g *Graph) RuntimeInputs() []*ValueInfo {
	inits := make(map[string]bool, len(g.Initializers))
	for _, t := range g.Initializers {
		inits[t.Name] = true
	}
	var out []*ValueInfo
	for _, v := range g.Inputs {
		if !inits[v.Name] {
			out = append(out, v)
		}
	}
	return out
}

// Names returns every value, node and initializer name used in the graph.
func (g *Graph) Names() map[string]bool {
	names := make(map[string]bool)
	for _, n := range g.Nodes {
		names[n.Name] = true
		for _, s := range n.Inputs {
			names[s] = true
		}
		for _, s := range n.Outputs {
			names[s] = true
		}
	}
	for _, t := range g.Initializers {
		names[t.Name] = true
	}
	for _, v := range g.Inputs {
		names[v.Name] = true
	}
	for _, v := range g.Outputs {
		names[v.Name] = true
	}
	delete(names, "")
	return names
}

// NewNode builds a node in the default domain with no attributes.
func NewNode(opType, name string, inputs, outputs []string) *Node {
	return &Node{Name: name, OpType: opType, Inputs: inputs, Outputs: outputs}
}

func decodeNode(b []byte) (*Node, error) {
	fields, err := parseFields(b)
	if err != nil {
		return nil, err
	}
	n := &Node{}
	for _, f := range fields {
		var s string
		if f.typ == protowire.BytesType {
			switch f.num {
			case nodeInput, nodeOutput, nodeName, nodeOpType, nodeDomain:
				if s, err = f.str(); err != nil {
					return nil, err
				}
			}
		}
		switch f.num {
		case nodeInput:
			n.Inputs = append(n.Inputs, s)
		case nodeOutput:
			n.Outputs = append(n.Outputs, s)
		case nodeName:
			n.Name = s
		case nodeOpType:
			n.OpType = s
		case nodeDomain:
			n.Domain = s
		default:
			n.rest = append(n.rest, f)
		}
	}
	return n, nil
}

func (n *Node) encode() []byte {
	var b []byte
	for _, s := range n.Inputs {
		b = protowire.AppendTag(b, nodeInput, protowire.BytesType)
		b = protowire.AppendString(b, s)
	}
	for _, s := range n.Outputs {
		b = protowire.AppendTag(b, nodeOutput, protowire.BytesType)
		b = protowire.AppendString(b, s)
	}
	b = appendString(b, nodeName, n.Name)
	b = appendString(b, nodeOpType, n.OpType)
	b = appendRaw(b, n.rest)
	return appendString(b, nodeDomain, n.Domain)
}

// NewModel wraps g in a model importing the default domain at opset.
func NewModel(g *Graph, opset int64) *Model {
	return &Model{
		IRVersion: 7,
		Graph:     g,
		Opsets:    []Opset{{Domain: DefaultDomain, Version: opset}},
	}
}
