package app

import (
	"net/http"

	"github.com/a-h/templ"
)

// PageIndex is /
type PageIndex struct{ App *App }

func (p PageIndex) GET(*http.Request) (body templ.Component, err error) {
	return pageIndex(p.App.variants), nil
}
