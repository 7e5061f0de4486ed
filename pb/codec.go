// pb/codec.go
// 节点 RPC 的 protobuf 线格式编解码（基于 protowire，无需 protoc 生成代码）

package pb

import (
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// ContentType 节点 RPC 的 HTTP Content-Type
const ContentType = "application/x-protobuf"

// Message 可编解码的消息
type Message interface {
	Marshal() []byte
	Unmarshal(b []byte) error
}

// Marshal 编码消息
func Marshal(m Message) []byte { return m.Marshal() }

// Unmarshal 解码消息
func Unmarshal(b []byte, m Message) error { return m.Unmarshal(b) }

// ========== 编码 ==========

type encoder struct {
	buf []byte
}

func (e *encoder) bytes(num protowire.Number, v []byte) {
	if len(v) == 0 {
		return
	}
	e.buf = protowire.AppendTag(e.buf, num, protowire.BytesType)
	e.buf = protowire.AppendBytes(e.buf, v)
}

func (e *encoder) repeatedBytes(num protowire.Number, vs [][]byte) {
	for _, v := range vs {
		e.buf = protowire.AppendTag(e.buf, num, protowire.BytesType)
		e.buf = protowire.AppendBytes(e.buf, v)
	}
}

func (e *encoder) string(num protowire.Number, v string) {
	if v == "" {
		return
	}
	e.buf = protowire.AppendTag(e.buf, num, protowire.BytesType)
	e.buf = protowire.AppendString(e.buf, v)
}

func (e *encoder) uint64(num protowire.Number, v uint64) {
	if v == 0 {
		return
	}
	e.buf = protowire.AppendTag(e.buf, num, protowire.VarintType)
	e.buf = protowire.AppendVarint(e.buf, v)
}

func (e *encoder) bool(num protowire.Number, v bool) {
	if !v {
		return
	}
	e.buf = protowire.AppendTag(e.buf, num, protowire.VarintType)
	e.buf = protowire.AppendVarint(e.buf, protowire.EncodeBool(v))
}

func (e *encoder) message(num protowire.Number, m Message) {
	e.buf = protowire.AppendTag(e.buf, num, protowire.BytesType)
	e.buf = protowire.AppendBytes(e.buf, m.Marshal())
}

// ========== 解码 ==========

// field 单个字段的原始值
type field struct {
	num    protowire.Number
	typ    protowire.Type
	varint uint64
	bytes  []byte
}

// decode 遍历所有字段；未知字段按线格式跳过
func decode(b []byte, fn func(f field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return errors.Wrap(protowire.ParseError(n), "pb: tag")
		}
		b = b[n:]
		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return errors.Wrapf(protowire.ParseError(m), "pb: field %d", num)
			}
			f.varint = v
			n = m
		case protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return errors.Wrapf(protowire.ParseError(m), "pb: field %d", num)
			}
			f.bytes = append([]byte(nil), v...)
			n = m
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return errors.Wrapf(protowire.ParseError(m), "pb: field %d", num)
			}
			b = b[m:]
			continue
		}
		b = b[n:]
		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

func (f field) wantBytes() error {
	if f.typ != protowire.BytesType {
		return errors.Errorf("pb: field %d has wire type %d, want bytes", f.num, f.typ)
	}
	return nil
}

func (f field) wantVarint() error {
	if f.typ != protowire.VarintType {
		return errors.Errorf("pb: field %d has wire type %d, want varint", f.num, f.typ)
	}
	return nil
}

func (f field) into(dst *[]byte) error {
	if err := f.wantBytes(); err != nil {
		return err
	}
	*dst = f.bytes
	return nil
}

func (f field) intoString(dst *string) error {
	if err := f.wantBytes(); err != nil {
		return err
	}
	*dst = string(f.bytes)
	return nil
}

func (f field) intoRepeated(dst *[][]byte) error {
	if err := f.wantBytes(); err != nil {
		return err
	}
	*dst = append(*dst, f.bytes)
	return nil
}

func (f field) intoUint64(dst *uint64) error {
	if err := f.wantVarint(); err != nil {
		return err
	}
	*dst = f.varint
	return nil
}

func (f field) intoUint32(dst *uint32) error {
	if err := f.wantVarint(); err != nil {
		return err
	}
	*dst = uint32(f.varint)
	return nil
}

func (f field) intoBool(dst *bool) error {
	if err := f.wantVarint(); err != nil {
		return err
	}
	*dst = protowire.DecodeBool(f.varint)
	return nil
}
