package dex

import (
	"fmt"
	"strings"
)

// ArgRegisters counts the registers the parameters of a method descriptor
// occupy. long and double take two registers each.
func ArgRegisters(descriptor string) (int, error) {
	params, _, err := parseDescriptor(descriptor)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, p := range params {
		if p == "J" || p == "D" {
			count += 2
		} else {
			count++
		}
	}
	return count, nil
}

// parseDescriptor splits "(IJLjava/lang/String;)V" into parameter type
// descriptors and the return type descriptor.
func parseDescriptor(descriptor string) ([]string, string, error) {
	start := strings.Index(descriptor, "(")
	end := strings.Index(descriptor, ")")
	if start != 0 || end == -1 || end == len(descriptor)-1 {
		return nil, "", fmt.Errorf("invalid method descriptor: %s", descriptor)
	}

	params := descriptor[start+1 : end]
	var types []string
	i := 0
	for i < len(params) {
		n, err := typeLength(params[i:], descriptor)
		if err != nil {
			return nil, "", err
		}
		types = append(types, params[i:i+n])
		i += n
	}

	ret := descriptor[end+1:]
	if ret != "V" {
		n, err := typeLength(ret, descriptor)
		if err != nil {
			return nil, "", err
		}
		if n != len(ret) {
			return nil, "", fmt.Errorf("invalid return type in %s", descriptor)
		}
	}
	return types, ret, nil
}

// typeLength returns the length of the field type descriptor at the start of s.
func typeLength(s, descriptor string) (int, error) {
	i := 0
	for i < len(s) && s[i] == '[' {
		i++
	}
	if i == len(s) {
		return 0, fmt.Errorf("truncated array type in %s", descriptor)
	}
	switch s[i] {
	case 'B', 'C', 'D', 'F', 'I', 'J', 'S', 'Z':
		return i + 1, nil
	case 'L':
		semi := strings.IndexByte(s[i:], ';')
		if semi == -1 {
			return 0, fmt.Errorf("unterminated class type in %s", descriptor)
		}
		return i + semi + 1, nil
	default:
		return 0, fmt.Errorf("invalid type descriptor char '%c' in %s", s[i], descriptor)
	}
}

var primitiveNames = map[byte]string{
	'B': "byte",
	'C': "char",
	'D': "double",
	'F': "float",
	'I': "int",
	'J': "long",
	'S': "short",
	'Z': "boolean",
	'V': "void",
}

// PrettyDescriptor turns "[Ljava/lang/String;" into "java.lang.String[]".
// Plain class names without the L...; wrapper are converted as well.
func PrettyDescriptor(desc string) string {
	dims := 0
	for dims < len(desc) && desc[dims] == '[' {
		dims++
	}
	elem := desc[dims:]
	var name string
	switch {
	case len(elem) == 1 && primitiveNames[elem[0]] != "":
		name = primitiveNames[elem[0]]
	case strings.HasPrefix(elem, "L") && strings.HasSuffix(elem, ";"):
		name = strings.ReplaceAll(elem[1:len(elem)-1], "/", ".")
	default:
		name = strings.ReplaceAll(elem, "/", ".")
	}
	return name + strings.Repeat("[]", dims)
}
