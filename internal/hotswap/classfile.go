package hotswap

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

const classMagic = 0xCAFEBABE

const (
	tagUtf8               = 1
	tagInteger            = 3
	tagFloat              = 4
	tagLong               = 5
	tagDouble             = 6
	tagClass              = 7
	tagString             = 8
	tagFieldref           = 9
	tagMethodref          = 10
	tagInterfaceMethodref = 11
	tagNameAndType        = 12
	tagMethodHandle       = 15
	tagMethodType         = 16
	tagDynamic            = 17
	tagInvokeDynamic      = 18
	tagModule             = 19
	tagPackage            = 20
)

var errTruncated = errors.New("truncated class file")

type constant struct {
	tag   byte
	utf8  string
	index uint16
}

type classReader struct {
	data []byte
	pos  int
	err  error
}

func (reader *classReader) take(n int) []byte {
	if reader.err != nil {
		return nil
	}
	if n < 0 || reader.pos+n > len(reader.data) {
		reader.err = errTruncated
		return nil
	}
	chunk := reader.data[reader.pos : reader.pos+n]
	reader.pos += n
	return chunk
}

func (reader *classReader) u1() byte {
	chunk := reader.take(1)
	if chunk == nil {
		return 0
	}
	return chunk[0]
}

func (reader *classReader) u2() uint16 {
	chunk := reader.take(2)
	if chunk == nil {
		return 0
	}
	return binary.BigEndian.Uint16(chunk)
}

func (reader *classReader) u4() uint32 {
	chunk := reader.take(4)
	if chunk == nil {
		return 0
	}
	return binary.BigEndian.Uint32(chunk)
}

func (reader *classReader) skipMembers() {
	count := int(reader.u2())
	for i := 0; i < count && reader.err == nil; i++ {
		reader.take(6)
		reader.skipAttributes()
	}
}

func (reader *classReader) skipAttributes() {
	count := int(reader.u2())
	for i := 0; i < count && reader.err == nil; i++ {
		reader.take(2)
		reader.take(int(reader.u4()))
	}
}

// ParseClassNames returns the dotted names of the class in data and the classes of
// its nest that must be reloaded with it.
func ParseClassNames(data []byte) ([]string, error) {
	reader := &classReader{data: data}
	if reader.u4() != classMagic {
		if reader.err != nil {
			return nil, reader.err
		}
		return nil, errors.New("bad magic")
	}
	reader.take(4)

	pool, err := readConstantPool(reader)
	if err != nil {
		return nil, err
	}

	reader.take(2)
	thisName, err := className(pool, reader.u2())
	if err != nil {
		return nil, fmt.Errorf("this_class: %w", err)
	}
	reader.take(2)
	reader.take(2 * int(reader.u2()))
	reader.skipMembers()
	reader.skipMembers()

	names := []string{thisName}
	seen := map[string]struct{}{thisName: {}}
	add := func(index uint16) error {
		if index == 0 {
			return nil
		}
		name, err := className(pool, index)
		if err != nil {
			return err
		}
		if _, ok := seen[name]; !ok {
			seen[name] = struct{}{}
			names = append(names, name)
		}
		return nil
	}

	count := int(reader.u2())
	for i := 0; i < count && reader.err == nil; i++ {
		nameIndex := reader.u2()
		length := int(reader.u4())
		body := reader.take(length)
		if reader.err != nil {
			break
		}
		attribute := &classReader{data: body}
		switch utf8At(pool, nameIndex) {
		case "InnerClasses":
			entries := int(attribute.u2())
			for entry := 0; entry < entries && attribute.err == nil; entry++ {
				inner := attribute.u2()
				outer := attribute.u2()
				attribute.take(4)
				if attribute.err != nil {
					break
				}
				related, err := sameNest(pool, thisName, inner, outer)
				if err != nil {
					return nil, err
				}
				if !related {
					continue
				}
				if err := add(inner); err != nil {
					return nil, err
				}
				if err := add(outer); err != nil {
					return nil, err
				}
			}
		case "EnclosingMethod":
			owner := attribute.u2()
			attribute.take(2)
			if attribute.err == nil {
				if err := add(owner); err != nil {
					return nil, err
				}
			}
		}
		if attribute.err != nil {
			return nil, fmt.Errorf("attribute %q: %w", utf8At(pool, nameIndex), attribute.err)
		}
	}
	if reader.err != nil {
		return nil, reader.err
	}
	return names, nil
}

func readConstantPool(reader *classReader) ([]constant, error) {
	count := int(reader.u2())
	if count == 0 {
		return nil, errors.New("empty constant pool")
	}
	pool := make([]constant, count)
	for index := 1; index < count; index++ {
		tag := reader.u1()
		entry := constant{tag: tag}
		switch tag {
		case tagUtf8:
			entry.utf8 = string(reader.take(int(reader.u2())))
		case tagInteger, tagFloat:
			reader.take(4)
		case tagLong, tagDouble:
			reader.take(8)
			pool[index] = entry
			index++
			continue
		case tagClass:
			entry.index = reader.u2()
		case tagString, tagMethodType, tagModule, tagPackage:
			reader.take(2)
		case tagFieldref, tagMethodref, tagInterfaceMethodref, tagNameAndType, tagDynamic, tagInvokeDynamic:
			reader.take(4)
		case tagMethodHandle:
			reader.take(3)
		default:
			if reader.err != nil {
				return nil, reader.err
			}
			return nil, fmt.Errorf("unknown constant pool tag %d at %d", tag, index)
		}
		if reader.err != nil {
			return nil, reader.err
		}
		pool[index] = entry
	}
	return pool, nil
}

// sameNest filters InnerClasses entries down to the ones describing thisName's own
// nest; the attribute also lists every nested class merely referenced by it.
func sameNest(pool []constant, thisName string, inner, outer uint16) (bool, error) {
	innerName, err := className(pool, inner)
	if err != nil {
		return false, err
	}
	if innerName == thisName || strings.HasPrefix(innerName, thisName+"$") {
		return true, nil
	}
	if outer == 0 {
		return false, nil
	}
	outerName, err := className(pool, outer)
	if err != nil {
		return false, err
	}
	return outerName == thisName, nil
}

func utf8At(pool []constant, index uint16) string {
	if int(index) >= len(pool) || pool[index].tag != tagUtf8 {
		return ""
	}
	return pool[index].utf8
}

func className(pool []constant, index uint16) (string, error) {
	if index == 0 || int(index) >= len(pool) || pool[index].tag != tagClass {
		return "", fmt.Errorf("constant %d is not a class", index)
	}
	name := utf8At(pool, pool[index].index)
	if name == "" {
		return "", fmt.Errorf("constant %d has no name", index)
	}
	return NormalizeName(name), nil
}
