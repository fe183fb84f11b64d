package rman

import "encoding/binary"

// The manifest body is a flatbuffer-like layout: tables of relative offsets,
// entries with per-entry field tables. Offsets are signed and frequently
// point backwards, so the cursor works on absolute positions into the whole
// body rather than on sub-slices. Every read is bounds checked and returns a
// *FormatError on truncated or out-of-range data.
type bodyCursor struct {
	body []byte
	off  int32
}

func (c *bodyCursor) slice(n int32) ([]byte, error) {
	if n < 0 || c.off < 0 || int64(c.off)+int64(n) > int64(len(c.body)) {
		return nil, formatErr(int64(c.off), "read of %d bytes out of bounds (body %d bytes)", n, len(c.body))
	}
	s := c.body[c.off : c.off+n]
	c.off += n
	return s, nil
}

func (c *bodyCursor) skip(n int32) error {
	next := int64(c.off) + int64(n)
	if next < 0 || next > int64(len(c.body)) {
		return formatErr(int64(c.off), "skip of %d bytes out of bounds", n)
	}
	c.off = int32(next)
	return nil
}

func (c *bodyCursor) u8() (uint8, error) {
	s, err := c.slice(1)
	if err != nil {
		return 0, err
	}
	return s[0], nil
}

func (c *bodyCursor) u32() (uint32, error) {
	s, err := c.slice(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(s), nil
}

func (c *bodyCursor) i32() (int32, error) {
	v, err := c.u32()
	return int32(v), err
}

func (c *bodyCursor) u64() (uint64, error) {
	s, err := c.slice(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(s), nil
}

// offset reads a relative offset and resolves it against the position it was
// read from.
func (c *bodyCursor) offset() (int32, error) {
	base := c.off
	v, err := c.i32()
	if err != nil {
		return 0, err
	}
	abs := int64(base) + int64(v)
	if abs < 0 || abs > int64(len(c.body)) {
		return 0, formatErr(int64(base), "relative offset %d resolves out of bounds", v)
	}
	return int32(abs), nil
}

// sub reads a relative offset and returns a cursor positioned at it.
func (c *bodyCursor) sub() (bodyCursor, error) {
	abs, err := c.offset()
	if err != nil {
		return bodyCursor{}, err
	}
	return bodyCursor{body: c.body, off: abs}, nil
}

// str reads a length-prefixed UTF-8 string at the cursor.
func (c *bodyCursor) str() (string, error) {
	n, err := c.i32()
	if err != nil {
		return "", err
	}
	s, err := c.slice(n)
	if err != nil {
		return "", err
	}
	return string(s), nil
}

// fieldsCursor reads vtable-style entries: the entry starts with a relative
// back-offset to a table of uint16 field offsets. A field offset of zero
// means the field is absent.
type fieldsCursor struct {
	body      []byte
	fieldsOff int32
	entryOff  int32
}

func (c bodyCursor) fields() (fieldsCursor, error) {
	entry := c.off
	rel, err := c.i32()
	if err != nil {
		return fieldsCursor{}, err
	}
	fields := int64(entry) - int64(rel)
	if fields < 0 || fields+2 > int64(len(c.body)) {
		return fieldsCursor{}, formatErr(int64(entry), "field table offset %d out of bounds", rel)
	}
	return fieldsCursor{body: c.body, fieldsOff: int32(fields), entryOff: entry}, nil
}

func (c *fieldsCursor) fieldOffset(field uint8) (int32, error) {
	off := int64(c.fieldsOff) + 2*int64(field)
	if off+2 > int64(len(c.body)) {
		return 0, formatErr(off, "field %d offset out of bounds", field)
	}
	return int32(binary.LittleEndian.Uint16(c.body[off : off+2])), nil
}

func (c *fieldsCursor) fieldSlice(field uint8, n int32) ([]byte, error) {
	off, err := c.fieldOffset(field)
	if err != nil {
		return nil, err
	}
	if off == 0 {
		return nil, nil
	}
	abs := int64(c.entryOff) + int64(off)
	if abs < 0 || abs+int64(n) > int64(len(c.body)) {
		return nil, formatErr(abs, "field %d data out of bounds", field)
	}
	return c.body[abs : abs+int64(n)], nil
}

func (c *fieldsCursor) getU8(field uint8) (uint8, bool, error) {
	s, err := c.fieldSlice(field, 1)
	if err != nil || s == nil {
		return 0, false, err
	}
	return s[0], true, nil
}

func (c *fieldsCursor) getU32(field uint8) (uint32, bool, error) {
	s, err := c.fieldSlice(field, 4)
	if err != nil || s == nil {
		return 0, false, err
	}
	return binary.LittleEndian.Uint32(s), true, nil
}

func (c *fieldsCursor) getU64(field uint8) (uint64, bool, error) {
	s, err := c.fieldSlice(field, 8)
	if err != nil || s == nil {
		return 0, false, err
	}
	return binary.LittleEndian.Uint64(s), true, nil
}

// getStr resolves a string field: the field holds a relative offset to a
// length-prefixed string.
func (c *fieldsCursor) getStr(field uint8) (string, bool, error) {
	fo, err := c.fieldOffset(field)
	if err != nil {
		return "", false, err
	}
	if fo == 0 {
		return "", false, nil
	}
	s, err := c.fieldSlice(field, 4)
	if err != nil {
		return "", false, err
	}
	rel := int32(binary.LittleEndian.Uint32(s))
	abs := int64(c.entryOff) + int64(fo) + int64(rel)
	if abs < 0 || abs > int64(len(c.body)) {
		return "", false, formatErr(abs, "string field %d out of bounds", field)
	}
	sc := bodyCursor{body: c.body, off: int32(abs)}
	str, err := sc.str()
	if err != nil {
		return "", false, err
	}
	return str, true, nil
}

// getSub returns a cursor positioned at the field's inline data.
func (c *fieldsCursor) getSub(field uint8) (bodyCursor, bool, error) {
	off, err := c.fieldOffset(field)
	if err != nil {
		return bodyCursor{}, false, err
	}
	if off == 0 {
		return bodyCursor{}, false, nil
	}
	abs := int64(c.entryOff) + int64(off)
	if abs < 0 || abs > int64(len(c.body)) {
		return bodyCursor{}, false, formatErr(abs, "field %d cursor out of bounds", field)
	}
	return bodyCursor{body: c.body, off: int32(abs)}, true, nil
}
