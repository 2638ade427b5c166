package transport

import "net/http"

type Handler interface {
	probe(w http.ResponseWriter, r *http.Request)
	initiate(w http.ResponseWriter, r *http.Request)
	status(w http.ResponseWriter, r *http.Request)
	cancel(w http.ResponseWriter, r *http.Request)
	getFinal(w http.ResponseWriter, r *http.Request)
	listFiles(w http.ResponseWriter, r *http.Request)
	getFile(w http.ResponseWriter, r *http.Request)
	deleteFile(w http.ResponseWriter, r *http.Request)
}

type router struct {
	h Handler
}

func NewRouter(h Handler) *router {
	return &router{h: h}
}

func (r *router) MountRoutes(mux *http.ServeMux) *http.ServeMux {
	mux.Handle("POST /downloader/probe", WithUser(http.HandlerFunc(r.h.probe)))
	mux.Handle("POST /downloader/initiate/{format_id}/{task_key}", WithUser(http.HandlerFunc(r.h.initiate)))
	mux.Handle("GET /downloader/status/{task_key}", WithUser(http.HandlerFunc(r.h.status)))
	mux.Handle("POST /downloader/cancel/{task_key}", WithUser(http.HandlerFunc(r.h.cancel)))
	mux.Handle("GET /downloader/get_final/{task_key}", WithUser(http.HandlerFunc(r.h.getFinal)))

	mux.Handle("GET /downloader/files", WithUser(http.HandlerFunc(r.h.listFiles)))
	mux.Handle("GET /downloader/files/{ref...}", WithUser(http.HandlerFunc(r.h.getFile)))
	mux.Handle("DELETE /downloader/files/{ref...}", WithUser(http.HandlerFunc(r.h.deleteFile)))

	return mux
}
