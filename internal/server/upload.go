package server

import (
	"errors"
	"mime/multipart"
	"net/http"
)

// multipartMemory is how much of a multipart body is kept in memory before
// spilling to temporary files
const multipartMemory = 8 << 20

type requestError struct {
	status int
	msg    string
}

func (e *requestError) Error() string {
	return e.msg
}

func badRequest(msg string) error {
	return &requestError{status: http.StatusBadRequest, msg: msg}
}

// writeRequestError answers with the status carried by err, or 500
func writeRequestError(w http.ResponseWriter, err error) {
	var re *requestError
	if errors.As(err, &re) {
		writeError(w, re.status, re.msg)
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

// parseUpload reads a multipart body of at most maxBytes
func parseUpload(w http.ResponseWriter, r *http.Request, maxBytes int64) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	err := r.ParseMultipartForm(multipartMemory)
	if err == nil {
		return nil
	}

	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		return &requestError{status: http.StatusRequestEntityTooLarge, msg: "Upload too large"}
	case errors.Is(err, http.ErrNotMultipart), errors.Is(err, http.ErrMissingBoundary):
		return badRequest("No image uploaded")
	default:
		return badRequest("Invalid multipart form")
	}
}

// formFile returns the uploaded file of a field. A field sent with an empty
// file name arrives as a plain value, which is reported as "not selected".
func formFile(r *http.Request, field string) (multipart.File, *multipart.FileHeader, bool, error) {
	file, header, err := r.FormFile(field)
	if err == nil {
		if header.Filename == "" {
			file.Close()
			return nil, nil, true, nil
		}
		return file, header, true, nil
	}
	if errors.Is(err, http.ErrMissingFile) {
		if r.MultipartForm != nil {
			if _, ok := r.MultipartForm.Value[field]; ok {
				return nil, nil, true, nil
			}
		}
		return nil, nil, false, nil
	}
	return nil, nil, false, err
}

// imageFile returns the required "image" upload
func imageFile(r *http.Request) (multipart.File, *multipart.FileHeader, error) {
	file, header, present, err := formFile(r, "image")
	if err != nil {
		return nil, nil, err
	}
	if !present {
		return nil, nil, badRequest("No image uploaded")
	}
	if file == nil {
		return nil, nil, badRequest("No image file selected")
	}
	return file, header, nil
}
