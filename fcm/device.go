package fcm

// AndroidDeviceInfo contains the device identity presented to the check-in
// and registration endpoints, mimicking a real Android device.
type AndroidDeviceInfo struct {
	// BuildFingerprint is the Android build fingerprint
	// Format: brand/product/device:version/build_id/build_number:user/release-keys
	BuildFingerprint string

	// BuildID is the short build identifier (e.g. "AP2A.240805.005"),
	// echoed in the check-in and register User-Agent strings.
	BuildID string

	// SDKVersion is the Android SDK version (e.g., 34 for Android 14)
	SDKVersion int

	// Device is the device codename (e.g., "redfin" for Pixel 5)
	Device string

	// Model is the device model name (e.g., "Pixel 5")
	Model string

	// Hardware is the hardware name (Build.HARDWARE), usually same as Device
	Hardware string

	// Brand is the device brand (Build.BRAND), e.g. "google"
	Brand string

	// Manufacturer is the device manufacturer (Build.MANUFACTURER), e.g. "Google"
	Manufacturer string

	// Product is the product name (Build.PRODUCT), usually same as Device
	Product string

	// SerialNumber is the hardware serial reported at check-in.
	SerialNumber string
}

// DefaultAndroidDevice returns a credible Pixel 5 device configuration based
// on a real Google factory image.
func DefaultAndroidDevice() AndroidDeviceInfo {
	return AndroidDeviceInfo{
		// Pixel 5 (redfin) fingerprint from the August 2024 factory image
		// (Android 14).
		BuildFingerprint: "google/redfin/redfin:14/AP2A.240805.005/12025142:user/release-keys",
		BuildID:          "AP2A.240805.005",

		// Android 14 = SDK 34
		SDKVersion: 34,

		Device:   "redfin",
		Model:    "Pixel 5",
		Hardware: "redfin",

		Brand:        "google",
		Manufacturer: "Google",
		Product:      "redfin",

		SerialNumber: "RF8M33YQXMR",
	}
}

// checkinUserAgent is the User-Agent the check-in endpoint expects from an
// Android device.
func (d AndroidDeviceInfo) checkinUserAgent() string {
	return "Android-Checkin/2.0 (" + d.Device + " " + d.BuildID + "); gzip"
}

// gcmUserAgent is the User-Agent the register endpoint expects.
func (d AndroidDeviceInfo) gcmUserAgent() string {
	return "Android-GCM/1.5 (" + d.Device + " " + d.BuildID + ")"
}
