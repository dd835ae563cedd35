package service

import (
	"context"
	"errors"
	"strings"

	"im-chat/internal/model"
	"im-chat/internal/repository"
	"im-chat/pkg/apperrors"
	"im-chat/pkg/jwt"
	"im-chat/pkg/password"

	"gorm.io/gorm"
)

type UserService struct {
	repo       *repository.UserRepository
	jwtService *jwt.JWTService
}

func NewUserService(repo *repository.UserRepository, jwtService *jwt.JWTService) *UserService {
	return &UserService{repo: repo, jwtService: jwtService}
}

// Register 注册并签发 token
func (s *UserService) Register(ctx context.Context, username, email, plainPassword string) (*model.User, string, error) {
	username = strings.TrimSpace(username)
	email = strings.TrimSpace(email)
	if username == "" || email == "" || plainPassword == "" {
		return nil, "", apperrors.Validation("username, email and password are required")
	}
	hash, err := password.Hash(plainPassword)
	if err != nil {
		if errors.Is(err, password.ErrTooLong) {
			return nil, "", apperrors.Validation("password is too long")
		}
		return nil, "", err
	}
	user := &model.User{
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		Nickname:     username,
	}
	if err := s.repo.Create(ctx, user); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, "", apperrors.Validation("username or email already registered")
		}
		return nil, "", apperrors.Transient("create user", err)
	}
	token, err := s.issue(user)
	if err != nil {
		return nil, "", err
	}
	return user, token, nil
}

// Login 用户名或邮箱登录
func (s *UserService) Login(ctx context.Context, identifier, plainPassword string) (*model.User, string, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" || plainPassword == "" {
		return nil, "", apperrors.Validation("identifier and password are required")
	}
	u, err := s.repo.GetByUsernameOrEmail(ctx, identifier)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, "", apperrors.Denied("invalid credentials")
		}
		return nil, "", apperrors.Transient("find user", err)
	}
	if !password.Verify(plainPassword, u.PasswordHash) {
		return nil, "", apperrors.Denied("invalid credentials")
	}
	token, err := s.issue(u)
	if err != nil {
		return nil, "", err
	}
	return u, token, nil
}

func (s *UserService) issue(u *model.User) (string, error) {
	return s.jwtService.GenerateToken(u.ID, u.Username)
}

// Profile 获取用户资料
func (s *UserService) Profile(ctx context.Context, id uint) (*model.User, error) {
	u, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.NotFound("user %d not found", id)
		}
		return nil, apperrors.Transient("get user", err)
	}
	return u, nil
}

// Lookup 批量获取用户，用于会话列表展示
func (s *UserService) Lookup(ctx context.Context, ids []uint) ([]model.User, error) {
	users, err := s.repo.ListByIDs(ctx, ids)
	if err != nil {
		return nil, apperrors.Transient("list users", err)
	}
	return users, nil
}
