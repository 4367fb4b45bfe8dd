package webapi

import (
	"github.com/evanw/esbuild/pkg/api"
)

// WrapESModule transforms an ES module source into a script that assigns
// its exports to globalThis.__worker_module__. It uses esbuild's Transform
// API to properly parse the JS AST and wrap the module as an IIFE, since
// the JS engine embedded here has no native ES module loader.
//
// If the source has no exports (already a plain script), the IIFE wrapping
// is harmless -- the global name is set to the IIFE's return value.
// If esbuild reports errors, the source is returned unchanged so that
// callers handle compile errors downstream.
func WrapESModule(source string) string {
	result := api.Transform(source, api.TransformOptions{
		Format:     api.FormatIIFE,
		GlobalName: "globalThis.__worker_module__",
		Target:     api.ESNext,
	})
	if len(result.Errors) > 0 {
		return source
	}
	code := string(result.Code)
	// esbuild places the default export under a .default property when
	// converting ESM to IIFE. Unwrap it so callers can access handlers
	// (fetch, scheduled, etc.) directly on globalThis.__worker_module__.
	code += "if(globalThis.__worker_module__&&globalThis.__worker_module__.default)globalThis.__worker_module__=globalThis.__worker_module__.default;\n"
	return code
}
