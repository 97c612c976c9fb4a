package client

import (
	"context"

	"github.com/menta2k/annotation-cropper/pkg/types"
)

// VisionClient is a chat backend that accepts one base64 image per request
type VisionClient interface {
	SimpleQuery(ctx context.Context, model, prompt, imgB64 string) (string, error)
	LocateObjects(ctx context.Context, model, prompt, imgB64 string) (*types.LocateResult, error)
}
