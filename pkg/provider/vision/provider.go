// Package vision defines the Provider interface for object-detection backends.
//
// A vision provider wraps an object detector (e.g., a local YOLO inference
// server) and exposes a single batch call: given a snapshot on disk it returns
// the set of detected objects with confidences and bounding boxes. The
// perception agent interprets the result; providers report raw detections and
// never make policy decisions.
//
// Implementations must be safe for concurrent use. Multiple sessions may run
// detection at the same time.
package vision

import (
	"context"

	"github.com/dwarpal/dwarpal/pkg/types"
)

// Provider is the abstraction over any object-detection backend.
type Provider interface {
	// Detect runs object detection on the image at imagePath and returns all
	// detections above the backend's confidence floor. The image file must be
	// readable for the duration of the call.
	//
	// Detect must respect ctx cancellation and deadlines. A cancelled or
	// expired context returns ctx.Err() wrapped in a provider error.
	Detect(ctx context.Context, imagePath string) (types.VisionResult, error)
}
