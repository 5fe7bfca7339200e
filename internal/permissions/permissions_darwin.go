//go:build darwin

package permissions

/*
#cgo CFLAGS: -x objective-c
#cgo LDFLAGS: -framework AVFoundation -framework CoreGraphics -framework Foundation
#import <AVFoundation/AVFoundation.h>
#import <CoreGraphics/CoreGraphics.h>

int checkCapturePermission(int video) {
    AVMediaType type = video ? AVMediaTypeVideo : AVMediaTypeAudio;
    return (int)[AVCaptureDevice authorizationStatusForMediaType:type];
}

void requestCapturePermission(int video) {
    AVMediaType type = video ? AVMediaTypeVideo : AVMediaTypeAudio;
    [AVCaptureDevice requestAccessForMediaType:type completionHandler:^(BOOL granted) {}];
}

int checkScreenPermission() {
    if (@available(macOS 10.15, *)) {
        return CGPreflightScreenCaptureAccess() ? 3 : 0;
    }
    return 3;
}

void requestScreenPermission() {
    if (@available(macOS 10.15, *)) {
        CGRequestScreenCaptureAccess();
    }
}
*/
import "C"

type systemChecker struct{}

func (systemChecker) Check(r Resource) Status {
	switch r {
	case Microphone:
		return Status(C.checkCapturePermission(0))
	case Camera:
		return Status(C.checkCapturePermission(1))
	case Screen:
		// Screen recording has no denied state the app can read; an
		// unauthorized preflight reads as undetermined and prompts.
		return Status(C.checkScreenPermission())
	}
	return StatusAuthorized
}

func (systemChecker) Request(r Resource) {
	switch r {
	case Microphone:
		C.requestCapturePermission(0)
	case Camera:
		C.requestCapturePermission(1)
	case Screen:
		C.requestScreenPermission()
	}
}
