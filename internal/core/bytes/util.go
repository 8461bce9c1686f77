package bytes

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"reflect"
)

// StripPadding returns a slice of b without the trailing 0s.
func StripPadding(b []byte) []byte {
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] != 0 {
			return b[:i+1]
		}
	}
	return []byte{}
}

// FixedString copies s into a zero padded buffer of length n, truncating s if needed.
func FixedString(s string, n int) []byte {
	buf := make([]byte, n)
	copy(buf, s)
	return buf
}

// BytesFromStruct serializes the fields of a struct to an array of bytes in the
// order in which the fields are declared and returns total number of bytes converted.
// Panics if data is not a struct or pointer to struct, or if there was an error writing a field.
func BytesFromStruct(data interface{}) ([]byte, int) {
	val := reflect.ValueOf(data)
	valKind := val.Kind()

	if valKind == reflect.Ptr {
		val = reflect.ValueOf(data).Elem()
		valKind = val.Kind()
	}

	if valKind != reflect.Struct {
		panic("BytesFromStruct(): data must of type struct " +
			"or ptr to struct, got: " + valKind.String())
	}

	convertedBytes := new(bytes.Buffer)
	// It's possible to use binary.Write on val.Interface itself, but doing
	// so prevents this function from working with dynamically sized types.
	for i := 0; i < val.NumField(); i++ {
		field := val.Field(i)

		var err error
		switch kind := field.Kind(); kind {
		case reflect.Struct, reflect.Ptr:
			b, _ := BytesFromStruct(field.Interface())
			err = binary.Write(convertedBytes, binary.LittleEndian, b)
		case reflect.Bool:
			// binary.Write encodes bools as one byte, spelled out for clarity.
			var b uint8
			if field.Bool() {
				b = 1
			}
			err = convertedBytes.WriteByte(b)
		default:
			err = binary.Write(convertedBytes, binary.LittleEndian, field.Interface())
		}
		if err != nil {
			panic(err.Error())
		}
	}
	return convertedBytes.Bytes(), convertedBytes.Len()
}

// StructFromBytes populates the struct pointed to by targetStruct by reading in a
// stream of bytes and filling the values in sequential order. Only fixed size fields
// are supported.
func StructFromBytes(data []byte, targetStruct interface{}) error {
	targetVal := reflect.ValueOf(targetStruct)

	if valKind := targetVal.Kind(); valKind != reflect.Ptr || targetVal.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("StructFromBytes(): targetStruct must be a ptr to struct, got: %v", targetVal.Type())
	}

	reader := bytes.NewReader(data)
	val := targetVal.Elem()

	for i := 0; i < val.NumField(); i++ {
		field := val.Field(i)
		if err := binary.Read(reader, binary.LittleEndian, field.Addr().Interface()); err != nil {
			return fmt.Errorf("StructFromBytes(): reading field %s: %w", val.Type().Field(i).Name, err)
		}
	}
	return nil
}
