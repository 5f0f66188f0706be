package provider

// Generic reconfiguration keys accepted from proctors
const (
	AttrReceiveAudio = "webserviceReceiveAudio"
	AttrReceiveVideo = "webserviceReceiveVideo"
	AttrAllowChat    = "webserviceAllowChat"
	// AttrProctorName carries the acting proctor into the mapping step
	AttrProctorName = "proctorName"
)

// Join instruction keys shared by all providers
const (
	AttrServiceType = "service-type"
	AttrMethod      = "method"
	MethodJoin      = "JOIN"
	MethodLeave     = "LEAVE"
)

// Jitsi instruction keys
const (
	AttrJitsiURL          = "jitsiURL"
	AttrJitsiRoom         = "jitsiRoom"
	AttrJitsiRoomSubject  = "jitsiRoomSubject"
	AttrJitsiToken        = "jitsiToken"
	AttrJitsiReceiveAudio = "jitsiReceiveAudio"
	AttrJitsiReceiveVideo = "jitsiReceiveVideo"
	AttrJitsiAllowChat    = "jitsiAllowChat"
	AttrJitsiPinUser      = "jitsiPinUser"
)

// Zoom instruction keys
const (
	AttrZoomURL          = "zoomURL"
	AttrZoomRoom         = "zoomRoom"
	AttrZoomToken        = "zoomToken"
	AttrZoomSDKToken     = "zoomSdkToken"
	AttrZoomAPIKey       = "zoomAPIKey"
	AttrZoomMeetingKey   = "zoomMeetingKey"
	AttrZoomUserName     = "zoomUserName"
	AttrZoomRoomSubject  = "zoomRoomSubject"
	AttrZoomReceiveAudio = "zoomReceiveAudio"
	AttrZoomReceiveVideo = "zoomReceiveVideo"
	AttrZoomAllowChat    = "zoomAllowChat"
)

// Screen proctoring instruction keys
const (
	AttrSPSURL          = "screenProctoringServiceURL"
	AttrSPSClientID     = "screenProctoringClientId"
	AttrSPSClientSecret = "screenProctoringClientSecret"
	AttrSPSGroupID      = "screenProctoringGroupId"
	AttrSPSSessionID    = "screenProctoringConnectionToken"
)
