package fed

import (
	"strconv"
	"strings"
)

// A Named object is an object that has a name.
type Named interface {
	Name() string
}

// NameMustBeValid panics if the name does not follow the naming convention.
// Names are hierarchical, with dot-separated elements. Each element is
// capitalized CamelCase, optionally followed by a bracketed index, such as
// "Scheduler[1].ChildRelay.Up".
func NameMustBeValid(name string) {
	defer func() {
		if r := recover(); r != nil {
			panic("Name " + name + " is not valid: " + r.(string))
		}
	}()

	for _, token := range strings.Split(name, ".") {
		nameTokenMustBeValid(token)
	}
}

func nameTokenMustBeValid(token string) {
	elem, index, found := strings.Cut(token, "[")
	if found {
		if !strings.HasSuffix(index, "]") {
			panic("Name bracket must match")
		}

		_, err := strconv.Atoi(strings.TrimSuffix(index, "]"))
		if err != nil {
			panic("Name index must be integer")
		}
	}

	if elem == "" {
		panic("Name element must not be empty")
	}

	for _, c := range []string{"_", "\"", "'", "-", "]"} {
		if strings.Contains(elem, c) {
			panic("Name element must not contain " + c)
		}
	}

	if elem[0] < 'A' || elem[0] > 'Z' {
		panic("Name element must start with a capital letter")
	}
}

// BuildName builds a name from a parent name and an element name.
func BuildName(parentName, elementName string) string {
	if parentName == "" {
		return elementName
	}

	return parentName + "." + elementName
}

// BuildNameWithIndex builds a name from a parent name, an element name, and
// an index.
func BuildNameWithIndex(parentName, elementName string, index int) string {
	return BuildName(parentName, elementName+"["+strconv.Itoa(index)+"]")
}
