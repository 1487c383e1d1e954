package http

import (
	"net/http"
	"strings"

	"github.com/couchcryptid/storm-alert-service/internal/domain"
	"github.com/gin-gonic/gin"
)

const (
	userLogin      = "/user/login"
	userDashboard  = "/user/dashboard"
	adminLogin     = "/admin/login"
	adminDashboard = "/admin/dashboard"

	ctxPrincipal = "principal"
	ctxToken     = "token"
)

// bearerToken reads the Authorization header, falling back to the
// access_token query parameter for event stream clients that cannot set
// headers.
func bearerToken(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return c.Query("access_token")
}

// resolve finds the principal behind the request token in either registry.
func (s *Server) resolve(c *gin.Context) (domain.Principal, string) {
	token := bearerToken(c)
	if token == "" {
		return nil, ""
	}
	ctx := c.Request.Context()
	if a, ok := s.deps.Admins.Restore(ctx, token); ok {
		return a, token
	}
	if u, ok := s.deps.Users.Restore(ctx, token); ok {
		return u, token
	}
	return nil, token
}

func dashboardFor(p domain.Principal) string {
	if _, ok := p.(domain.AdminPrincipal); ok {
		return adminDashboard
	}
	return userDashboard
}

// requireUser admits signed-in end users. Anonymous requests are sent to the
// user login; admins are sent to their own dashboard.
func (s *Server) requireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		p, token := s.resolve(c)
		u, ok := p.(domain.UserPrincipal)
		switch {
		case p == nil:
			c.Redirect(http.StatusSeeOther, userLogin)
			c.Abort()
		case !ok:
			c.Redirect(http.StatusSeeOther, dashboardFor(p))
			c.Abort()
		default:
			c.Set(ctxPrincipal, u)
			c.Set(ctxToken, token)
			c.Next()
		}
	}
}

// requireAdmin admits signed-in administrators. Anonymous requests are sent
// to the admin login; end users are sent to their own dashboard.
func (s *Server) requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		p, token := s.resolve(c)
		a, ok := p.(domain.AdminPrincipal)
		switch {
		case p == nil:
			c.Redirect(http.StatusSeeOther, adminLogin)
			c.Abort()
		case !ok:
			c.Redirect(http.StatusSeeOther, dashboardFor(p))
			c.Abort()
		default:
			c.Set(ctxPrincipal, a)
			c.Set(ctxToken, token)
			c.Next()
		}
	}
}

func requirePermission(perm string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !adminFrom(c).HasPermission(perm) {
			c.JSON(http.StatusForbidden, gin.H{"error": "missing permission " + perm})
			c.Abort()
			return
		}
		c.Next()
	}
}

// redirectSignedIn sends an authenticated principal on a login path to its
// dashboard.
func (s *Server) redirectSignedIn() gin.HandlerFunc {
	return func(c *gin.Context) {
		if p, _ := s.resolve(c); p != nil {
			c.Redirect(http.StatusSeeOther, dashboardFor(p))
			c.Abort()
			return
		}
		c.Next()
	}
}

func userFrom(c *gin.Context) domain.UserPrincipal {
	return c.MustGet(ctxPrincipal).(domain.UserPrincipal)
}

func adminFrom(c *gin.Context) domain.AdminPrincipal {
	return c.MustGet(ctxPrincipal).(domain.AdminPrincipal)
}

type credentials struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (s *Server) loginPage(tree string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"login": "POST email and password to " + tree})
	}
}

func (s *Server) userSignIn(c *gin.Context) {
	var req credentials
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBindError(c, err)
		return
	}
	sess, err := s.deps.Users.SignIn(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (s *Server) userSignUp(c *gin.Context) {
	var req credentials
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBindError(c, err)
		return
	}
	user, err := s.deps.Users.SignUp(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, user)
}

func (s *Server) userRefresh(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refresh_token" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBindError(c, err)
		return
	}
	sess, err := s.deps.Users.Refresh(c.Request.Context(), req.RefreshToken)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (s *Server) userSignOut(c *gin.Context) {
	if err := s.deps.Users.SignOut(c.Request.Context(), c.GetString(ctxToken)); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) adminSignIn(c *gin.Context) {
	var req credentials
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBindError(c, err)
		return
	}
	sess, err := s.deps.Admins.SignIn(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (s *Server) adminSignOut(c *gin.Context) {
	if err := s.deps.Admins.SignOut(c.Request.Context(), c.GetString(ctxToken)); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
