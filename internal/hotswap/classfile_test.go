package hotswap

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type classBuilder struct {
	pool  bytes.Buffer
	next  uint16
	utf8s map[string]uint16
}

func newClassBuilder() *classBuilder {
	return &classBuilder{next: 1, utf8s: map[string]uint16{}}
}

func (builder *classBuilder) utf8(value string) uint16 {
	if index, ok := builder.utf8s[value]; ok {
		return index
	}
	builder.pool.WriteByte(tagUtf8)
	_ = binary.Write(&builder.pool, binary.BigEndian, uint16(len(value)))
	builder.pool.WriteString(value)
	index := builder.next
	builder.next++
	builder.utf8s[value] = index
	return index
}

func (builder *classBuilder) class(name string) uint16 {
	nameIndex := builder.utf8(name)
	builder.pool.WriteByte(tagClass)
	_ = binary.Write(&builder.pool, binary.BigEndian, nameIndex)
	index := builder.next
	builder.next++
	return index
}

func (builder *classBuilder) long(value int64) {
	builder.pool.WriteByte(tagLong)
	_ = binary.Write(&builder.pool, binary.BigEndian, value)
	builder.next += 2
}

func (builder *classBuilder) methodRef(owner uint16) {
	name, descriptor := builder.utf8("run"), builder.utf8("()V")
	nameAndType := builder.next
	builder.pool.WriteByte(tagNameAndType)
	_ = binary.Write(&builder.pool, binary.BigEndian, []uint16{name, descriptor})
	builder.next++
	builder.pool.WriteByte(tagMethodref)
	_ = binary.Write(&builder.pool, binary.BigEndian, []uint16{owner, nameAndType})
	builder.next++
}

type innerEntry struct {
	inner, outer uint16
}

func (builder *classBuilder) build(this uint16, inner []innerEntry, enclosing uint16) []byte {
	super := builder.class("java/lang/Object")
	constantValue := builder.utf8("ConstantValue")
	innerClasses := builder.utf8("InnerClasses")
	enclosingMethod := builder.utf8("EnclosingMethod")
	sourceFile := builder.utf8("SourceFile")
	sourceName := builder.utf8("Foo.java")

	var out bytes.Buffer
	write := func(values ...any) {
		for _, value := range values {
			_ = binary.Write(&out, binary.BigEndian, value)
		}
	}
	write(uint32(classMagic), uint16(0), uint16(61), builder.next)
	out.Write(builder.pool.Bytes())
	write(uint16(0x21), this, super, uint16(0))
	// one field carrying a ConstantValue attribute, no methods
	write(uint16(1), uint16(0x19), sourceName, sourceName, uint16(1), constantValue, uint32(2), uint16(1))
	write(uint16(0))

	attributes := 1
	if len(inner) > 0 {
		attributes++
	}
	if enclosing != 0 {
		attributes++
	}
	write(uint16(attributes))
	write(sourceFile, uint32(2), sourceName)
	if len(inner) > 0 {
		write(innerClasses, uint32(2+8*len(inner)), uint16(len(inner)))
		for _, entry := range inner {
			write(entry.inner, entry.outer, uint16(0), uint16(0))
		}
	}
	if enclosing != 0 {
		write(enclosingMethod, uint32(4), enclosing, uint16(0))
	}
	return out.Bytes()
}

func TestParseClassNamesTopLevelWithNestedClasses(t *testing.T) {
	builder := newClassBuilder()
	foo := builder.class("com/acme/Foo")
	builder.long(42)
	bar := builder.class("com/acme/Foo$Bar")
	entry := builder.class("java/util/Map$Entry")
	mapClass := builder.class("java/util/Map")
	builder.methodRef(foo)

	data := builder.build(foo, []innerEntry{{inner: bar, outer: foo}, {inner: entry, outer: mapClass}}, 0)

	names, err := ParseClassNames(data)
	require.NoError(t, err)
	assert.Equal(t, []string{"com.acme.Foo", "com.acme.Foo$Bar"}, names)
}

func TestParseClassNamesAnonymousClassIncludesOwner(t *testing.T) {
	builder := newClassBuilder()
	anonymous := builder.class("com/acme/Foo$1")
	foo := builder.class("com/acme/Foo")

	data := builder.build(anonymous, []innerEntry{{inner: anonymous, outer: 0}}, foo)

	names, err := ParseClassNames(data)
	require.NoError(t, err)
	assert.Equal(t, []string{"com.acme.Foo$1", "com.acme.Foo"}, names)
}

func TestParseClassNamesRejectsMalformedInput(t *testing.T) {
	builder := newClassBuilder()
	foo := builder.class("com/acme/Foo")
	data := builder.build(foo, nil, 0)

	_, err := ParseClassNames(data[:len(data)-3])
	assert.Error(t, err)

	_, err = ParseClassNames([]byte{0xDE, 0xAD, 0xBE, 0xEF, 0, 0, 0, 0})
	assert.Error(t, err)

	_, err = ParseClassNames(nil)
	assert.Error(t, err)
}

func TestClassFileAnalyzerWrapsFailures(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/out/com/acme/Broken.class", []byte("not a class"), 0o644))

	analyzer := ClassFileAnalyzer{FS: fs}
	_, err := analyzer.Analyze("/out/com/acme/Broken.class")
	require.ErrorIs(t, err, ErrAnalysis)

	_, err = analyzer.Analyze("/out/com/acme/Missing.class")
	require.ErrorIs(t, err, ErrAnalysis)
}

func TestClassFileAnalyzerReadsFile(t *testing.T) {
	builder := newClassBuilder()
	foo := builder.class("com/acme/Foo")
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/out/com/acme/Foo.class", builder.build(foo, nil, 0), 0o644))

	names, err := AnalyzeAll(ClassFileAnalyzer{FS: fs}, []string{"/out/com/acme/Foo.class", "/out/com/acme/Foo.class"})
	require.NoError(t, err)
	assert.Equal(t, []string{"com.acme.Foo"}, names)
}
