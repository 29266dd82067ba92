package ep

import (
	"slices"

	"github.com/gomlx/dnn-ep/host"
	"github.com/gomlx/exceptions"
)

// Attribute readers. They return the default if the attribute is not set,
// and panic with an exception if it is set with the wrong type.

func assertAttrType(node host.Node, attr *host.Attribute, attrType host.AttributeType) {
	if attr.Type != attrType {
		exceptions.Panicf("attribute %q of %s %q has type %s, expected %s",
			attr.Name, node.OpType(), node.Name(), attr.Type, attrType)
	}
}

// stringAttrOr gets a string attribute for node if present or return the given defaultValue.
func stringAttrOr(node host.Node, attrName, defaultValue string) string {
	attr := node.Attribute(attrName)
	if attr == nil {
		return defaultValue
	}
	assertAttrType(node, attr, host.AttrString)
	return attr.S
}

// intAttrOr gets an integer attribute for node if present or return the given defaultValue.
func intAttrOr(node host.Node, attrName string, defaultValue int64) int64 {
	attr := node.Attribute(attrName)
	if attr == nil {
		return defaultValue
	}
	assertAttrType(node, attr, host.AttrInt)
	return attr.I
}

// intsAttrOr gets a list of integers attribute for node if present or return a copy of defaultValues.
// A scalar INT attribute is returned as a list of one element.
func intsAttrOr(node host.Node, attrName string, defaultValues []int64) []int64 {
	attr := node.Attribute(attrName)
	if attr == nil {
		return slices.Clone(defaultValues)
	}
	if attr.Type == host.AttrInt {
		return []int64{attr.I}
	}
	assertAttrType(node, attr, host.AttrInts)
	return slices.Clone(attr.Ints)
}
