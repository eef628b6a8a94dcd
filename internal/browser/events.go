package browser

import (
	"strings"

	"github.com/go-rod/rod/lib/proto"
)

// consoleText joins console.* arguments the way DevTools prints them
func consoleText(args []*proto.RuntimeRemoteObject) string {
	parts := make([]string, 0, len(args))
	for _, arg := range args {
		parts = append(parts, remoteObjectText(arg))
	}
	return strings.Join(parts, " ")
}

func remoteObjectText(obj *proto.RuntimeRemoteObject) string {
	if obj == nil {
		return ""
	}

	switch {
	case obj.Type == proto.RuntimeRemoteObjectTypeString:
		return obj.Value.Str()
	case obj.UnserializableValue != "":
		return string(obj.UnserializableValue)
	case obj.Description != "":
		return obj.Description
	case !obj.Value.Nil():
		return obj.Value.JSON("", "")
	default:
		return string(obj.Type)
	}
}

// exceptionText picks the most useful description of an uncaught exception
func exceptionText(details *proto.RuntimeExceptionDetails) string {
	if details == nil {
		return "unknown error"
	}
	if ex := details.Exception; ex != nil {
		if ex.Description != "" {
			return errorMessage(ex)
		}
		if !ex.Value.Nil() {
			return remoteObjectText(ex)
		}
	}
	return details.Text
}

// errorMessage drops the "<ClassName>: " prefix V8 puts in front of an
// Error's message, leaving the message and stack.
func errorMessage(ex *proto.RuntimeRemoteObject) string {
	if ex.Subtype == proto.RuntimeRemoteObjectSubtypeError && ex.ClassName != "" {
		if msg, ok := strings.CutPrefix(ex.Description, ex.ClassName+": "); ok {
			return msg
		}
	}
	return ex.Description
}
