//go:build js && wasm

package main

import (
	"encoding/json"
	"syscall/js"

	"github.com/tqx/labelstudio/backend-go/internal/document"
	"github.com/tqx/labelstudio/backend-go/internal/engine"
)

var (
	session  *engine.Session
	listener js.Value // JS function receiving engine events, or undefined
)

func main() {
	session = engine.NewSession(engine.Callbacks{
		OnAnnotationAdd: func(i int, a engine.Annotation) {
			emit("annotationAdded", i, a)
		},
		OnAnnotationModify: func(i int, a engine.Annotation) {
			emit("annotationModified", i, a)
		},
		OnAnnotationRemove: func(i int, a engine.Annotation) {
			emit("annotationRemoved", i, a)
		},
		OnError: func(err error) {
			emitJSON(map[string]interface{}{"type": "error", "message": err.Error()})
		},
	})

	// Create the engine API object
	canvasEngine := js.Global().Get("Object").New()

	// --- Commands (frontend → engine) ---
	canvasEngine.Set("onEvent", js.FuncOf(onEvent))
	canvasEngine.Set("loadImage", js.FuncOf(loadImage))
	canvasEngine.Set("unloadImage", js.FuncOf(unloadImage))
	canvasEngine.Set("setLabels", js.FuncOf(setLabels))
	canvasEngine.Set("selectLabel", js.FuncOf(selectLabel))
	canvasEngine.Set("setTool", js.FuncOf(setTool))
	canvasEngine.Set("setColor", js.FuncOf(setColor))
	canvasEngine.Set("resize", js.FuncOf(resize))
	canvasEngine.Set("pointerDown", js.FuncOf(pointerDown))
	canvasEngine.Set("pointerMove", js.FuncOf(pointerMove))
	canvasEngine.Set("pointerUp", js.FuncOf(pointerUp))
	canvasEngine.Set("pointerLeave", js.FuncOf(pointerLeave))
	canvasEngine.Set("wheel", js.FuncOf(wheel))
	canvasEngine.Set("keyDown", js.FuncOf(keyDown))
	canvasEngine.Set("removeAnnotation", js.FuncOf(removeAnnotation))
	canvasEngine.Set("markSaved", js.FuncOf(markSaved))
	canvasEngine.Set("importLabelme", js.FuncOf(importLabelme))

	// --- Queries (frontend ← engine) ---
	canvasEngine.Set("render", js.FuncOf(render))
	canvasEngine.Set("getAnnotations", js.FuncOf(getAnnotations))
	canvasEngine.Set("getState", js.FuncOf(getState))
	canvasEngine.Set("exportLabelme", js.FuncOf(exportLabelme))

	// Register on global scope
	js.Global().Set("canvasEngine", canvasEngine)

	// Signal that WASM is ready
	js.Global().Set("canvasWasmReady", js.ValueOf(true))

	// Keep Go runtime alive
	select {}
}

func emit(typ string, index int, a engine.Annotation) {
	emitJSON(map[string]interface{}{"type": typ, "index": index, "annotation": a})
}

func emitJSON(v interface{}) {
	if listener.Type() != js.TypeFunction {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	listener.Invoke(string(data))
}

func errorResult(err error) interface{} {
	return js.ValueOf(map[string]interface{}{"error": err.Error()})
}

func okResult() interface{} {
	return js.ValueOf(map[string]interface{}{"ok": true})
}

func missing(what string) interface{} {
	return js.ValueOf(map[string]interface{}{"error": "missing " + what})
}

func jsonResult(v interface{}) interface{} {
	data, err := json.Marshal(v)
	if err != nil {
		return errorResult(err)
	}
	return js.ValueOf(string(data))
}

// --- Command Handlers ---

func onEvent(this js.Value, args []js.Value) interface{} {
	if len(args) < 1 {
		listener = js.Undefined()
		return nil
	}
	listener = args[0]
	return nil
}

// loadImage(imageJSON, annotationsJSON?)
func loadImage(this js.Value, args []js.Value) interface{} {
	if len(args) < 1 {
		return missing("image JSON")
	}
	var img engine.Image
	if err := json.Unmarshal([]byte(args[0].String()), &img); err != nil {
		return errorResult(err)
	}
	var anns []engine.Annotation
	if len(args) > 1 && args[1].Type() == js.TypeString {
		if err := json.Unmarshal([]byte(args[1].String()), &anns); err != nil {
			return errorResult(err)
		}
	}
	session.LoadImage(img, anns)
	return okResult()
}

func unloadImage(this js.Value, args []js.Value) interface{} {
	session.UnloadImage()
	return nil
}

func setLabels(this js.Value, args []js.Value) interface{} {
	if len(args) < 1 {
		return missing("labels JSON")
	}
	var labels engine.LabelSet
	if err := json.Unmarshal([]byte(args[0].String()), &labels); err != nil {
		return errorResult(err)
	}
	session.SetLabels(labels)
	return okResult()
}

func selectLabel(this js.Value, args []js.Value) interface{} {
	if len(args) < 1 {
		return missing("label id")
	}
	if err := session.SelectLabel(int64(args[0].Int())); err != nil {
		return errorResult(err)
	}
	return okResult()
}

func setTool(this js.Value, args []js.Value) interface{} {
	if len(args) < 1 {
		return missing("tool")
	}
	tool, err := engine.ParseTool(args[0].String())
	if err != nil {
		return errorResult(err)
	}
	session.SetTool(tool)
	return okResult()
}

func setColor(this js.Value, args []js.Value) interface{} {
	if len(args) < 1 {
		return missing("color")
	}
	session.SetColor(args[0].String())
	return nil
}

func resize(this js.Value, args []js.Value) interface{} {
	if len(args) < 2 {
		return nil
	}
	session.Resize(args[0].Float(), args[1].Float())
	return nil
}

func pointerDown(this js.Value, args []js.Value) interface{} {
	if len(args) < 2 {
		return nil
	}
	button := engine.ButtonLeft
	if len(args) > 2 {
		button = engine.Button(args[2].Int())
	}
	session.PointerDown(args[0].Float(), args[1].Float(), button)
	return nil
}

// pointerMove(x, y, movementX, movementY)
func pointerMove(this js.Value, args []js.Value) interface{} {
	if len(args) < 2 {
		return nil
	}
	var mx, my float64
	if len(args) > 3 {
		mx, my = args[2].Float(), args[3].Float()
	}
	session.PointerMove(args[0].Float(), args[1].Float(), mx, my)
	return nil
}

func pointerUp(this js.Value, args []js.Value) interface{} {
	session.PointerUp()
	return nil
}

func pointerLeave(this js.Value, args []js.Value) interface{} {
	session.PointerLeave()
	return nil
}

func wheel(this js.Value, args []js.Value) interface{} {
	if len(args) < 3 {
		return nil
	}
	session.Wheel(args[0].Float(), args[1].Float(), args[2].Float())
	return nil
}

// keyDown(key, ctrl, meta) returns "ignored", "handled" or "save".
func keyDown(this js.Value, args []js.Value) interface{} {
	if len(args) < 1 {
		return nil
	}
	ctrl := len(args) > 1 && args[1].Truthy()
	meta := len(args) > 2 && args[2].Truthy()
	switch session.KeyDown(args[0].String(), ctrl, meta) {
	case engine.KeyHandled:
		return js.ValueOf("handled")
	case engine.KeySave:
		return js.ValueOf("save")
	default:
		return js.ValueOf("ignored")
	}
}

func removeAnnotation(this js.Value, args []js.Value) interface{} {
	if len(args) < 1 {
		return nil
	}
	session.RemoveAnnotation(args[0].Int())
	return nil
}

func markSaved(this js.Value, args []js.Value) interface{} {
	if len(args) < 1 {
		return missing("ids JSON")
	}
	var ids []int64
	if err := json.Unmarshal([]byte(args[0].String()), &ids); err != nil {
		return errorResult(err)
	}
	session.MarkSaved(ids)
	return okResult()
}

// importLabelme replaces the committed set with the shapes of a Labelme file.
func importLabelme(this js.Value, args []js.Value) interface{} {
	if len(args) < 1 {
		return missing("document JSON")
	}
	doc, err := document.Decode([]byte(args[0].String()))
	if err != nil {
		return errorResult(err)
	}
	if err := session.ImportDocument(doc); err != nil {
		return errorResult(err)
	}
	return okResult()
}

// --- Query Handlers ---

func render(this js.Value, args []js.Value) interface{} {
	out, err := engine.DrawCommandsToJSON(session.Render())
	if err != nil {
		return errorResult(err)
	}
	return js.ValueOf(out)
}

func getAnnotations(this js.Value, args []js.Value) interface{} {
	return jsonResult(session.Annotations())
}

func getState(this js.Value, args []js.Value) interface{} {
	st := session.State()
	return jsonResult(map[string]interface{}{
		"tool":     st.Tool.String(),
		"phase":    st.Phase().String(),
		"selected": st.Selected,
		"dirty":    session.Dirty(),
		"viewport": session.Viewport(),
	})
}

func exportLabelme(this js.Value, args []js.Value) interface{} {
	doc, err := session.ExportSnapshot()
	if err != nil {
		return errorResult(err)
	}
	data, err := doc.Marshal()
	if err != nil {
		return errorResult(err)
	}
	return js.ValueOf(string(data))
}
