package authority

import (
	"net/http"
	"net/url"

	"github.com/google/uuid"
)

// Fraud-prevention header names.
const (
	HeaderConnectionMethod = "Gov-Client-Connection-Method"
	HeaderUserIDs          = "Gov-Client-User-IDs"
	HeaderTimezone         = "Gov-Client-Timezone"
	HeaderDeviceID         = "Gov-Client-Device-ID"
	HeaderPublicIP         = "Gov-Client-Public-IP"
	HeaderVendorVersion    = "Gov-Vendor-Version"
	HeaderVendorProduct    = "Gov-Vendor-Product-Name"
)

// FraudPreventionConfig describes the vendor side of the fraud headers.
type FraudPreventionConfig struct {
	ProductName      string
	ProductVersion   string
	ConnectionMethod string // default WEB_APP_VIA_SERVER
	Timezone         string // default UTC+00:00
}

// deviceNamespace scopes device ids so they are stable per user but not
// reversible to the user id.
var deviceNamespace = uuid.MustParse("6f1f5e36-2c0b-4f0e-9a43-3a8a4b3c1d52")

// DeviceID returns the stable device identifier sent for userID.
func DeviceID(userID string) string {
	return uuid.NewSHA1(deviceNamespace, []byte(userID)).String()
}

func (c FraudPreventionConfig) withDefaults() FraudPreventionConfig {
	if c.ProductName == "" {
		c.ProductName = "mtd-connect"
	}
	if c.ProductVersion == "" {
		c.ProductVersion = "dev"
	}
	if c.ConnectionMethod == "" {
		c.ConnectionMethod = "WEB_APP_VIA_SERVER"
	}
	if c.Timezone == "" {
		c.Timezone = "UTC+00:00"
	}
	return c
}

// apply sets the fraud headers for a call made on behalf of userID.
func (c FraudPreventionConfig) apply(h http.Header, userID, clientIP string) {
	product := url.QueryEscape(c.ProductName)

	h.Set(HeaderConnectionMethod, c.ConnectionMethod)
	h.Set(HeaderUserIDs, product+"="+url.QueryEscape(userID))
	h.Set(HeaderTimezone, c.Timezone)
	h.Set(HeaderDeviceID, DeviceID(userID))
	h.Set(HeaderVendorVersion, product+"="+url.QueryEscape(c.ProductVersion))
	h.Set(HeaderVendorProduct, url.PathEscape(c.ProductName))
	if clientIP != "" {
		h.Set(HeaderPublicIP, clientIP)
	}
}
