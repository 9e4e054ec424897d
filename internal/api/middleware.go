// middleware.go - Channel handshake checks: shared token, then source allow-list
package api

import (
	"fmt"
	"net"
	"net/http"

	"github.com/labstack/echo/v4"
)

// authenticate applies the two handshake middlewares in order: shared-token
// verification, then the source-address allow-list. Either failure is
// terminal for the handshake.
func (ch *Channel) authenticate(c echo.Context) error {
	token := c.QueryParam("token")
	if token == "" {
		token = c.Request().Header.Get("X-Channel-Token")
	}
	if ch.cfg.Token != "" && token != ch.cfg.Token {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid channel token")
	}

	if !ch.cfg.EnableRemoteAccess {
		if err := ch.checkSource(c.RealIP()); err != nil {
			return err
		}
	}
	return nil
}

func (ch *Channel) checkSource(remote string) error {
	ip := net.ParseIP(remote)
	if ip == nil {
		return echo.NewHTTPError(http.StatusForbidden, fmt.Sprintf("unparseable peer address %q", remote))
	}
	for _, cidr := range ch.cfg.AllowedCIDRs {
		_, ipnet, err := net.ParseCIDR(cidr)
		if err != nil {
			continue
		}
		if ipnet.Contains(ip) {
			return nil
		}
	}
	return echo.NewHTTPError(http.StatusForbidden, "peer address not in allow list")
}
