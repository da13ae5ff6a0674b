package nethttp_test

import (
	"fmt"
	"net/http"
	"net/http/httptest"

	felk "github.com/felklabs/felk-go"
	"github.com/felklabs/felk-go/nethttp"
)

func ExampleMiddleware() {
	// "local" is not in the enabled environments, so the request passes
	// through without a backend write.
	rec, err := felk.New(felk.Config{
		AppName:             "DemoApp",
		Environment:         "local",
		EnabledEnvironments: []string{"production"},
	})
	if err != nil {
		panic(err)
	}

	handler := nethttp.Middleware(rec)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, "ok")
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rw := httptest.NewRecorder()
	handler.ServeHTTP(rw, req)

	fmt.Println(rw.Code)
	// Output:
	// 200
}
